// Package notify publishes fire-and-forget lifecycle notifications.
package notify

import (
	"context"
	"sync"
	"time"
)

const (
	TypeFeatureSetRegistered     = "feature_set.registered"
	TypeMaterializationCompleted = "materialization.completed"
	TypeMaterializationFailed    = "materialization.failed"
	TypeFeatureUpdated           = "feature.updated"
)

// Event is a notification about a change in the feature store.
type Event struct {
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher delivers events without guarantees. Publish must not block on
// downstream acknowledgement; callers ignore its error beyond logging.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, event := range r.Events() {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
