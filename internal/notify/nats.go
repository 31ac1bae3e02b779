package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// NATSPublisher sends events to JetStream with PublishAsync.
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	log    *zap.Logger
}

// NewNATSPublisher connects to NATS and ensures the backing stream exists.
func NewNATSPublisher(url, stream, prefix string, log *zap.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("notify.nats")

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "featurestore"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		log.Warn("failed to ensure notification stream", zap.String("stream", stream), zap.Error(err))
	}

	return &NATSPublisher{nc: nc, js: js, prefix: prefix, log: log}, nil
}

// Publish enqueues the event without waiting for the server ack.
func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := Subject(p.prefix, event)
	future, err := p.js.PublishAsync(subject, data, jetstream.WithMsgID(ulid.Make().String()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	go func() {
		select {
		case <-future.Ok():
		case err := <-future.Err():
			p.log.Warn("notification not acknowledged", zap.String("subject", subject), zap.Error(err))
		}
	}()
	return nil
}

// Close drains in-flight publishes and closes the connection.
func (p *NATSPublisher) Close(ctx context.Context) {
	if p == nil || p.nc == nil {
		return
	}
	select {
	case <-p.js.PublishAsyncComplete():
	case <-ctx.Done():
	}
	p.nc.Close()
}

// Subject renders {prefix}.{event type}.{tenant}, with the tenant reduced to
// a single subject token.
func Subject(prefix string, event Event) string {
	tenant := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, strings.TrimSpace(event.TenantID))
	if tenant == "" {
		tenant = "_"
	}
	return prefix + "." + event.Type + "." + tenant
}
