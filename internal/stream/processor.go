package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/config"
	featurecachedomain "github.com/smallbiznis/featurestore/internal/featurecache/domain"
	"github.com/smallbiznis/featurestore/internal/notify"
	"github.com/smallbiznis/featurestore/internal/observability/metrics"
	"github.com/smallbiznis/featurestore/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DiscoverPattern matches per-tenant event streams.
const DiscoverPattern = "events:*"

// DefaultClaimIdle is how long a message may sit unacknowledged with another
// consumer before a reload claims it.
const DefaultClaimIdle = 5 * time.Minute

// WorkerState is the per-worker position in the processing loop.
type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateReading
	StateProcessing
	StateAcking
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateProcessing:
		return "processing"
	case StateAcking:
		return "acking"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

var ErrAlreadyRunning = errors.New("stream processor already running")

type Params struct {
	fx.In

	Config   config.Config
	Tuning   *config.TuningHolder
	Log      *zap.Logger
	Broker   Broker
	Catalog  Catalog
	Index    *Index
	Computer *Computer
	Cache    featurecachedomain.Service
	Notifier notify.Publisher
	Clock    clock.Clock            `optional:"true"`
	Metrics  *metrics.Metrics       `optional:"true"`
	Stream   *metrics.StreamMetrics `optional:"true"`
}

// Processor runs consumer-group workers that recompute online features from
// events and write them through the feature cache.
type Processor struct {
	cfg      config.StreamConfig
	tuning   *config.TuningHolder
	log      *zap.Logger
	broker   Broker
	catalog  Catalog
	index    *Index
	computer *Computer
	cache    featurecachedomain.Service
	notifier notify.Publisher
	clock    clock.Clock
	metrics  *metrics.Metrics
	stream   *metrics.StreamMetrics

	// sample drives the reload decision; replaced in tests.
	sample    func() float64
	claimIdle time.Duration

	running atomic.Bool
	states  []atomic.Int32

	mu      sync.Mutex
	streams []string
	cancel  context.CancelFunc
	done    chan error
}

func NewProcessor(p Params) *Processor {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	tuning := p.Tuning
	if tuning == nil {
		tuning = config.NewStaticTuning(config.DefaultStreamTuning())
	}
	cfg := p.Config.Stream
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Group == "" {
		cfg.Group = "feature-processors"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "featurestore"
	}
	return &Processor{
		cfg:       cfg,
		tuning:    tuning,
		log:       p.Log.Named("stream.processor"),
		broker:    p.Broker,
		catalog:   p.Catalog,
		index:     p.Index,
		computer:  p.Computer,
		cache:     p.Cache,
		notifier:  p.Notifier,
		clock:     clk,
		metrics:   p.Metrics,
		stream:    p.Stream,
		sample:    rand.Float64,
		claimIdle: DefaultClaimIdle,
		states:    make([]atomic.Int32, cfg.Workers),
	}
}

// Start loads the online index, joins the consumer group and launches the
// workers. It returns once the workers are running.
func (p *Processor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	streams, err := p.prepare(ctx)
	if err != nil {
		p.running.Store(false)
		return err
	}
	p.setStreams(streams)

	workCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	p.log.Info("stream processor started",
		zap.Strings("streams", streams),
		zap.String("group", p.cfg.Group),
		zap.Int("workers", p.cfg.Workers),
		zap.Int("feature_sets", p.index.Size()),
	)

	go func() {
		g, gctx := errgroup.WithContext(workCtx)
		for i := 0; i < p.cfg.Workers; i++ {
			worker := i
			g.Go(func() error {
				return p.work(gctx, worker)
			})
		}
		done <- g.Wait()
		close(done)
	}()
	return nil
}

func (p *Processor) prepare(ctx context.Context) ([]string, error) {
	if err := p.loadIndex(ctx); err != nil {
		return nil, err
	}
	streams, err := p.resolveStreams(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.broker.EnsureGroup(ctx, p.cfg.Group, streams); err != nil {
		return nil, err
	}
	return streams, nil
}

// Stop asks the workers to finish their current batch and waits for them.
// If ctx expires first the workers are cancelled.
func (p *Processor) Stop(ctx context.Context) error {
	p.running.Store(false)

	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	defer cancel()

	select {
	case err := <-done:
		p.log.Info("stream processor stopped")
		return err
	case <-ctx.Done():
		p.log.Warn("stream processor stop timed out, cancelling workers")
		cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Processor) Running() bool { return p.running.Load() }

// State reports a worker's loop position.
func (p *Processor) State(worker int) WorkerState {
	if worker < 0 || worker >= len(p.states) {
		return StateStopped
	}
	return WorkerState(p.states[worker].Load())
}

func (p *Processor) setState(worker int, state WorkerState) {
	p.states[worker].Store(int32(state))
}

func (p *Processor) work(ctx context.Context, worker int) error {
	consumer := fmt.Sprintf("%s-%d", p.cfg.ConsumerName, worker)
	log := p.log.With(zap.String("consumer", consumer))
	defer p.setState(worker, StateStopped)

	for p.running.Load() && ctx.Err() == nil {
		tuning := p.tuning.Get()
		p.setState(worker, StateIdle)

		if p.sample() < tuning.ReloadProbability {
			p.reload(ctx, worker, consumer)
		}

		streams := p.currentStreams()
		if len(streams) == 0 {
			sleep(ctx, tuning.BlockTimeout)
			continue
		}

		p.setState(worker, StateReading)
		messages, err := p.broker.Read(ctx, p.cfg.Group, consumer, streams, tuning.BatchSize, tuning.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("stream read failed", zap.Error(err))
			p.stream.IncBrokerError("read")
			if IsNoGroup(err) {
				p.rejoin(ctx, streams)
			}
			sleep(ctx, tuning.ErrorBackoff)
			continue
		}
		if len(messages) == 0 {
			continue
		}
		p.processBatch(ctx, worker, messages)
	}
	return nil
}

func (p *Processor) processBatch(ctx context.Context, worker int, messages []Message) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "stream.batch", attribute.Int("messages", len(messages)))
	for _, msg := range messages {
		p.setState(worker, StateProcessing)
		p.handle(ctx, worker, msg)
	}
	tracing.End(span, nil)
	p.stream.ObserveBatch(time.Since(start))
}

// handle processes one message and acknowledges it unless the dead-letter
// write failed, in which case the broker redelivers it.
func (p *Processor) handle(ctx context.Context, worker int, msg Message) {
	log := p.log.With(zap.String("stream", msg.Stream), zap.String("message_id", msg.ID))
	event := DecodeEvent(msg.Values)

	outcome := metrics.StreamOutcomeProcessed
	tenantID, ok := ResolveTenant(msg.Stream, event)
	sets := p.index.ForTenant(tenantID)
	switch {
	case !ok:
		log.Debug("skipping message without tenant")
		outcome = metrics.StreamOutcomeSkipped
	case len(sets) == 0:
		outcome = metrics.StreamOutcomeSkipped
	default:
		updated, err := p.apply(ctx, tenantID, msg, event, sets)
		if err != nil {
			log.Warn("message failed, dead-lettering", zap.String("tenant_id", tenantID), zap.Error(err))
			if dlqErr := p.deadLetter(ctx, msg, err); dlqErr != nil {
				log.Error("dead-letter write failed, leaving message pending", zap.Error(dlqErr))
				p.stream.IncBrokerError("dead_letter")
				return
			}
			outcome = metrics.StreamOutcomeDeadLettered
		} else if updated == 0 {
			outcome = metrics.StreamOutcomeSkipped
		}
	}

	p.setState(worker, StateAcking)
	if err := p.broker.Ack(ctx, p.cfg.Group, msg); err != nil {
		log.Error("ack failed", zap.Error(err))
		p.stream.IncBrokerError("ack")
		return
	}
	p.stream.IncMessage(outcome)
}

// apply computes and writes every applicable feature set for one event. It
// returns the number of vectors written.
func (p *Processor) apply(ctx context.Context, tenantID string, msg Message, event Event, sets []OnlineSet) (int, error) {
	eventType, eventSource := event.Type(), event.Source()
	updated := 0
	for _, set := range sets {
		if !set.Spec.AppliesTo(eventType, eventSource) {
			continue
		}
		entityID, vector, ok, err := p.computer.ComputeOnlineFeatures(ctx, tenantID, msg.ID, event, set)
		if err != nil {
			return updated, err
		}
		if !ok {
			continue
		}
		err = p.cache.Put(ctx, featurecachedomain.WriteRequest{
			Key: featurecachedomain.Key{
				TenantID:     tenantID,
				FeatureSetID: set.FeatureSetID,
				EntityID:     entityID,
			},
			Features:       vector,
			FeatureVersion: set.Version,
			TTL:            set.TTL,
		})
		if err != nil {
			return updated, err
		}
		updated++
		p.metrics.RecordOnlineUpdate(ctx, tenantID)
		p.publishUpdate(ctx, tenantID, set, entityID, vector)
	}
	return updated, nil
}

func (p *Processor) publishUpdate(ctx context.Context, tenantID string, set OnlineSet, entityID string, vector map[string]any) {
	if p.notifier == nil {
		return
	}
	names := make([]string, 0, len(vector))
	for name := range vector {
		names = append(names, name)
	}
	sort.Strings(names)
	err := p.notifier.Publish(ctx, notify.Event{
		Type:     notify.TypeFeatureUpdated,
		TenantID: tenantID,
		Payload: map[string]any{
			"feature_set_id": set.FeatureSetID.String(),
			"feature_set":    set.Name,
			"version":        set.Version,
			"entity_id":      entityID,
			"features":       names,
		},
		OccurredAt: p.clock.Now(),
	})
	if err != nil {
		p.log.Debug("feature update notification failed", zap.Error(err))
	}
}

func (p *Processor) deadLetter(ctx context.Context, msg Message, cause error) error {
	payload, err := json.Marshal(msg.Values)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = p.broker.Add(ctx, DeadLetterStream(msg.Stream), map[string]any{
		"dead_letter_id": ulid.Make().String(),
		"original_id":    msg.ID,
		"stream":         msg.Stream,
		"error":          cause.Error(),
		"failed_at":      p.clock.Now().UTC().Format(time.RFC3339Nano),
		"payload":        string(payload),
	})
	return err
}

// reload refreshes the index, picks up new streams and claims messages
// stranded by dead consumers. Failures keep the previous state.
func (p *Processor) reload(ctx context.Context, worker int, consumer string) {
	if err := p.loadIndex(ctx); err != nil {
		p.log.Warn("index reload failed", zap.Error(err))
	}

	streams, err := p.resolveStreams(ctx)
	if err != nil {
		p.log.Warn("stream discovery failed", zap.Error(err))
		p.stream.IncBrokerError("discover")
		streams = p.currentStreams()
	} else if added := newStreams(p.currentStreams(), streams); len(added) > 0 {
		if err := p.broker.EnsureGroup(ctx, p.cfg.Group, added); err != nil {
			p.log.Warn("joining new streams failed", zap.Strings("streams", added), zap.Error(err))
			p.stream.IncBrokerError("create_group")
		} else {
			p.log.Info("joined new streams", zap.Strings("streams", added))
			p.setStreams(streams)
		}
	}

	batch := p.tuning.Get().BatchSize
	for _, stream := range streams {
		claimed, err := p.broker.Claim(ctx, p.cfg.Group, consumer, stream, p.claimIdle, batch)
		if err != nil {
			p.log.Warn("claiming stale messages failed", zap.String("stream", stream), zap.Error(err))
			p.stream.IncBrokerError("claim")
			continue
		}
		if len(claimed) > 0 {
			p.log.Info("claimed stale messages", zap.String("stream", stream), zap.Int("count", len(claimed)))
			p.processBatch(ctx, worker, claimed)
		}
	}
}

// rejoin recreates the consumer group on streams that lost it. The new group
// starts at the beginning of the recreated stream.
func (p *Processor) rejoin(ctx context.Context, streams []string) {
	if err := p.broker.EnsureGroup(ctx, p.cfg.Group, streams); err != nil {
		p.log.Warn("rejoining streams failed", zap.Strings("streams", streams), zap.Error(err))
		p.stream.IncBrokerError("create_group")
		return
	}
	p.log.Info("rejoined streams after lost consumer group", zap.Strings("streams", streams))
}

func (p *Processor) loadIndex(ctx context.Context) error {
	snapshot, err := p.catalog.Load(ctx)
	if err != nil {
		return err
	}
	p.index.Replace(snapshot)
	p.stream.SetIndexSize(snapshot.Size())
	return nil
}

// resolveStreams merges configured stream keys with discovered ones.
func (p *Processor) resolveStreams(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(stream string) {
		if stream == "" {
			return
		}
		if _, ok := seen[stream]; ok {
			return
		}
		seen[stream] = struct{}{}
		out = append(out, stream)
	}
	for _, key := range p.cfg.Keys {
		add(key)
	}
	if p.cfg.Discover {
		found, err := p.broker.Discover(ctx, DiscoverPattern)
		if err != nil {
			return nil, err
		}
		for _, key := range found {
			add(key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *Processor) currentStreams() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams
}

func (p *Processor) setStreams(streams []string) {
	p.mu.Lock()
	p.streams = streams
	p.mu.Unlock()
}

func newStreams(current, next []string) []string {
	known := make(map[string]struct{}, len(current))
	for _, s := range current {
		known[s] = struct{}{}
	}
	var added []string
	for _, s := range next {
		if _, ok := known[s]; !ok {
			added = append(added, s)
		}
	}
	return added
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
