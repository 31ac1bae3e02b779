package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the structured log. Used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPublisher{log: log.Named("notify")}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.log.Info("event published",
		zap.String("event_type", event.Type),
		zap.String("tenant_id", event.TenantID),
		zap.Any("payload", event.Payload),
	)
	return nil
}
