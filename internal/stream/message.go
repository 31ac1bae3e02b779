package stream

import (
	"encoding/json"
	"strings"
)

// Message is one entry read from an event stream.
type Message struct {
	ID     string
	Stream string
	Values map[string]any
}

// Event is a decoded message payload.
type Event map[string]any

// entityFields are checked in order for the entity an event belongs to.
var entityFields = []string{"entity_id", "user_id", "customer_id", "account_id", "device_id", "session_id"}

// DecodeEvent decodes each field as JSON and keeps the raw value when it is not.
func DecodeEvent(values map[string]any) Event {
	event := make(Event, len(values))
	for key, value := range values {
		raw, ok := value.(string)
		if !ok {
			event[key] = value
			continue
		}
		if decoded, ok := decodeJSON(raw); ok {
			event[key] = decoded
			continue
		}
		event[key] = raw
	}
	return event
}

func decodeJSON(raw string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil || dec.More() {
		return nil, false
	}
	return decoded, true
}

// EntityID returns the first present entity identifier.
func (e Event) EntityID() (string, bool) {
	for _, field := range entityFields {
		if id, ok := e.String(field); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// String renders a scalar field as text. Maps and slices are not identifiers.
func (e Event) String(field string) (string, bool) {
	value, ok := e[field]
	if !ok || value == nil {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), true
	case float64, int64, int, bool, json.Number:
		b, _ := json.Marshal(v)
		return string(b), true
	}
	return "", false
}

func (e Event) Type() string {
	v, _ := e.String("type")
	if v == "" {
		v, _ = e.String("event_type")
	}
	return v
}

func (e Event) Source() string {
	v, _ := e.String("source")
	return v
}

// TenantFromStream extracts {tenant} from events:{tenant}:*.
func TenantFromStream(stream string) (string, bool) {
	parts := strings.SplitN(stream, ":", 3)
	if len(parts) < 3 || parts[0] != "events" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ResolveTenant prefers the stream key and falls back to the payload.
func ResolveTenant(stream string, event Event) (string, bool) {
	if tenant, ok := TenantFromStream(stream); ok {
		return tenant, true
	}
	for _, field := range []string{"tenant_id", "tenant"} {
		if tenant, ok := event.String(field); ok && tenant != "" {
			return tenant, true
		}
	}
	return "", false
}

// DeadLetterStream names the dead-letter stream of a source stream.
func DeadLetterStream(stream string) string {
	return stream + ":dlq"
}
