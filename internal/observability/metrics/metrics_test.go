package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tenant_id", "acme"),
		attribute.String("entity_id", "user-1"),
		attribute.String("outcome", "ok"),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("tenant_id"), attrs[0].Key)
	assert.Equal(t, attribute.Key("outcome"), attrs[1].Key)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordRegistration(context.Background(), "acme", "ok")
	m.RecordVectorRequest(context.Background(), "acme", "hit")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordMaterialization(context.Background(), "acme", "offline", "completed")
	m.RecordRefresh(context.Background(), "acme", "failed")
	m.RecordOnlineUpdate(context.Background(), "acme")
}
