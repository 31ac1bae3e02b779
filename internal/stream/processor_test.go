package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/config"
	featurecachedomain "github.com/smallbiznis/featurestore/internal/featurecache/domain"
	"github.com/smallbiznis/featurestore/internal/featurespec"
	"github.com/smallbiznis/featurestore/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBroker struct {
	mu         sync.Mutex
	queue      []Message
	acked      []string
	added      map[string][]map[string]any
	groups     map[string][]string
	discovered []string
	failAdd    bool
	groupErr   error
	seq        int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{added: map[string][]map[string]any{}, groups: map[string][]string{}}
}

func (b *fakeBroker) push(stream string, values map[string]any) Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msg := Message{ID: fmt.Sprintf("%d-0", b.seq), Stream: stream, Values: values}
	b.queue = append(b.queue, msg)
	return msg
}

func (b *fakeBroker) EnsureGroup(_ context.Context, group string, streams []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groupErr != nil {
		return b.groupErr
	}
	b.groups[group] = append(b.groups[group], streams...)
	return nil
}

func (b *fakeBroker) Read(ctx context.Context, _, _ string, _ []string, count int64, block time.Duration) ([]Message, error) {
	b.mu.Lock()
	if len(b.queue) > 0 {
		n := int(count)
		if n > len(b.queue) {
			n = len(b.queue)
		}
		out := append([]Message(nil), b.queue[:n]...)
		b.queue = b.queue[n:]
		b.mu.Unlock()
		return out, nil
	}
	b.mu.Unlock()
	sleep(ctx, block)
	return nil, nil
}

func (b *fakeBroker) Ack(_ context.Context, _ string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, msg.ID)
	return nil
}

func (b *fakeBroker) Add(_ context.Context, stream string, values map[string]any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAdd {
		return "", errors.New("broker down")
	}
	b.added[stream] = append(b.added[stream], values)
	return fmt.Sprintf("dlq-%d", len(b.added[stream])), nil
}

func (b *fakeBroker) Discover(context.Context, string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.discovered...), nil
}

func (b *fakeBroker) Claim(context.Context, string, string, string, time.Duration, int64) ([]Message, error) {
	return nil, nil
}

func (b *fakeBroker) ackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

func (b *fakeBroker) deadLetters(stream string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.added[DeadLetterStream(stream)]
}

type staticCatalog struct {
	mu       sync.Mutex
	snapshot Snapshot
}

func (c *staticCatalog) set(snapshot Snapshot) {
	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()
}

func (c *staticCatalog) Load(context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot, nil
}

type recordingCache struct {
	mu     sync.Mutex
	writes []featurecachedomain.WriteRequest
	err    error
}

func (c *recordingCache) GetFeatureVector(context.Context, string, string, int, string) (*featurecachedomain.Vector, error) {
	return nil, errors.New("not used")
}

func (c *recordingCache) Put(_ context.Context, req featurecachedomain.WriteRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.writes = append(c.writes, req)
	return nil
}

func (c *recordingCache) Invalidate(context.Context, featurecachedomain.Key) error { return nil }

func (c *recordingCache) PurgeExpired(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func (c *recordingCache) all() []featurecachedomain.WriteRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]featurecachedomain.WriteRequest(nil), c.writes...)
}

const purchases = "events:acme:purchases"

type processorFixture struct {
	processor *Processor
	broker    *fakeBroker
	catalog   *staticCatalog
	cache     *recordingCache
	notifier  *notify.Recorder
	setID     snowflake.ID
}

func newProcessorFixture(t *testing.T) processorFixture {
	t.Helper()
	setID := snowflake.ID(1001)
	catalog := &staticCatalog{snapshot: Snapshot{
		"acme": {{
			FeatureSetID: setID,
			TenantID:     "acme",
			Name:         "user_spend",
			Version:      2,
			TTL:          10 * time.Minute,
			Spec: featurespec.Spec{
				Name:   "user_spend",
				Source: "purchases",
				Events: []featurespec.EventFilter{{Type: "purchase"}},
				Features: []featurespec.Feature{
					{Name: "last_amount", Type: "direct", Column: "amount"},
					{Name: "spend_1d", Type: "aggregation", Aggregation: "sum", Column: "amount", Window: "1d"},
				},
			},
		}},
	}}
	broker := newFakeBroker()
	cache := &recordingCache{}
	rec := notify.NewRecorder()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	processor := NewProcessor(Params{
		Config: config.Config{Stream: config.StreamConfig{
			Keys:         []string{purchases},
			Group:        "feature-processors",
			ConsumerName: "test",
			Workers:      1,
		}},
		Tuning: config.NewStaticTuning(config.StreamTuning{
			BatchSize:         10,
			BlockTimeout:      5 * time.Millisecond,
			ReloadProbability: 0,
			ErrorBackoff:      5 * time.Millisecond,
		}),
		Log:      zap.NewNop(),
		Broker:   broker,
		Catalog:  catalog,
		Index:    NewIndex(),
		Computer: NewComputer(NewMemoryHistory(), clk),
		Cache:    cache,
		Notifier: rec,
		Clock:    clk,
	})
	return processorFixture{processor: processor, broker: broker, catalog: catalog, cache: cache, notifier: rec, setID: setID}
}

func TestProcessor_WritesThroughCache(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.Start(ctx))
	assert.ErrorIs(t, f.processor.Start(ctx), ErrAlreadyRunning)
	assert.Equal(t, []string{purchases}, f.broker.groups["feature-processors"])

	first := f.broker.push(purchases, map[string]any{"user_id": "u-1", "type": "purchase", "amount": "10"})
	second := f.broker.push(purchases, map[string]any{"user_id": "u-1", "type": "purchase", "amount": "2.5"})

	require.Eventually(t, func() bool {
		return len(f.broker.ackedIDs()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.processor.Stop(stopCtx))
	assert.False(t, f.processor.Running())
	assert.Equal(t, StateStopped, f.processor.State(0))

	assert.Equal(t, []string{first.ID, second.ID}, f.broker.ackedIDs(), "acks follow delivery order")

	writes := f.cache.all()
	require.Len(t, writes, 2)
	last := writes[1]
	assert.Equal(t, featurecachedomain.Key{TenantID: "acme", FeatureSetID: f.setID, EntityID: "u-1"}, last.Key)
	assert.Equal(t, 2, last.FeatureVersion)
	assert.Equal(t, 10*time.Minute, last.TTL)
	assert.Equal(t, 2.5, last.Features["last_amount"])
	assert.Equal(t, 12.5, last.Features["spend_1d"])

	updates := f.notifier.OfType(notify.TypeFeatureUpdated)
	require.Len(t, updates, 2)
	assert.Equal(t, "acme", updates[0].TenantID)
	assert.Equal(t, "u-1", updates[0].Payload["entity_id"])
}

func TestProcessor_DeadLettersFailedMessage(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.processor.loadIndex(ctx))

	msg := Message{ID: "7-0", Stream: purchases, Values: map[string]any{"user_id": "u-1", "type": "purchase", "amount": "lots"}}
	f.processor.handle(ctx, 0, msg)

	assert.Equal(t, []string{"7-0"}, f.broker.ackedIDs(), "failed messages are still acknowledged")
	dead := f.broker.deadLetters(purchases)
	require.Len(t, dead, 1)
	assert.Equal(t, "7-0", dead[0]["original_id"])
	assert.Equal(t, purchases, dead[0]["stream"])
	assert.Contains(t, dead[0]["error"], "amount")
	assert.NotEmpty(t, dead[0]["failed_at"])
	assert.NotEmpty(t, dead[0]["dead_letter_id"])
	assert.JSONEq(t, `{"user_id":"u-1","type":"purchase","amount":"lots"}`, dead[0]["payload"].(string))
	assert.Empty(t, f.cache.all())
}

func TestProcessor_CacheFailureIsDeadLettered(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.processor.loadIndex(ctx))
	f.cache.err = errors.New("fast tier down")

	f.processor.handle(ctx, 0, Message{ID: "8-0", Stream: purchases, Values: map[string]any{"user_id": "u-1", "type": "purchase", "amount": "1"}})

	assert.Equal(t, []string{"8-0"}, f.broker.ackedIDs())
	assert.Len(t, f.broker.deadLetters(purchases), 1)
}

func TestProcessor_DeadLetterFailureLeavesMessagePending(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.processor.loadIndex(ctx))
	f.broker.failAdd = true

	f.processor.handle(ctx, 0, Message{ID: "9-0", Stream: purchases, Values: map[string]any{"user_id": "u-1", "type": "purchase", "amount": "lots"}})

	assert.Empty(t, f.broker.ackedIDs())
}

func TestProcessor_SkipsAndAcks(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.processor.loadIndex(ctx))

	cases := []Message{
		{ID: "1-0", Stream: "events", Values: map[string]any{"user_id": "u-1", "type": "purchase"}},
		{ID: "2-0", Stream: "events:globex:purchases", Values: map[string]any{"user_id": "u-1", "type": "purchase"}},
		{ID: "3-0", Stream: purchases, Values: map[string]any{"user_id": "u-1", "type": "refund", "amount": "3"}},
		{ID: "4-0", Stream: purchases, Values: map[string]any{"type": "purchase", "amount": "3"}},
	}
	for _, msg := range cases {
		f.processor.handle(ctx, 0, msg)
	}

	assert.Equal(t, []string{"1-0", "2-0", "3-0", "4-0"}, f.broker.ackedIDs())
	assert.Empty(t, f.cache.all())
	assert.Empty(t, f.broker.deadLetters(purchases))
}

func TestProcessor_TenantFromPayload(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.processor.loadIndex(ctx))

	f.processor.handle(ctx, 0, Message{ID: "1-0", Stream: "events", Values: map[string]any{"tenant_id": "acme", "user_id": "u-9", "type": "purchase", "amount": "4"}})

	writes := f.cache.all()
	require.Len(t, writes, 1)
	assert.Equal(t, "u-9", writes[0].Key.EntityID)
}

func TestProcessor_ReloadPicksUpChanges(t *testing.T) {
	f := newProcessorFixture(t)
	f.processor.cfg.Discover = true
	ctx := context.Background()
	require.NoError(t, f.processor.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = f.processor.Stop(stopCtx)
	}()
	assert.Equal(t, 1, f.processor.index.Size())

	f.catalog.set(Snapshot{})
	f.broker.mu.Lock()
	f.broker.discovered = []string{"events:globex:views"}
	f.broker.mu.Unlock()

	f.processor.reload(ctx, 0, "test-0")

	assert.Zero(t, f.processor.index.Size())
	assert.Equal(t, []string{"events:acme:purchases", "events:globex:views"}, f.processor.currentStreams())
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	assert.Equal(t, []string{purchases, "events:globex:views"}, f.broker.groups["feature-processors"])
}

func TestProcessor_ConcurrentStartRunsOnce(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.processor.Start(ctx)
		}()
	}
	wg.Wait()
	close(results)

	started := 0
	for err := range results {
		if err == nil {
			started++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyRunning)
	}
	assert.Equal(t, 1, started)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.processor.Stop(stopCtx))
}

func TestProcessor_FailedStartCanRetry(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	f.broker.groupErr = errors.New("broker down")
	require.Error(t, f.processor.Start(ctx))
	assert.False(t, f.processor.Running())

	f.broker.mu.Lock()
	f.broker.groupErr = nil
	f.broker.mu.Unlock()
	require.NoError(t, f.processor.Start(ctx))
	assert.True(t, f.processor.Running())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.processor.Stop(stopCtx))
}

func TestWorkerState_String(t *testing.T) {
	assert.Equal(t, "reading", StateReading.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
