package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	registrations    metric.Int64Counter
	materializations metric.Int64Counter
	refreshes        metric.Int64Counter
	vectorRequests   metric.Int64Counter
	onlineUpdates    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "featurestore"
	}
	meter := provider.Meter(name)

	registrations, err := meter.Int64Counter("featurestore_feature_set_registrations_total")
	if err != nil {
		return nil, err
	}
	materializations, err := meter.Int64Counter("featurestore_materializations_total")
	if err != nil {
		return nil, err
	}
	refreshes, err := meter.Int64Counter("featurestore_materialization_refreshes_total")
	if err != nil {
		return nil, err
	}
	vectorRequests, err := meter.Int64Counter("featurestore_feature_vector_requests_total")
	if err != nil {
		return nil, err
	}
	onlineUpdates, err := meter.Int64Counter("featurestore_online_updates_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		registrations:    registrations,
		materializations: materializations,
		refreshes:        refreshes,
		vectorRequests:   vectorRequests,
		onlineUpdates:    onlineUpdates,
	}, nil
}

// RecordRegistration counts feature set registrations by outcome.
func (m *Metrics) RecordRegistration(ctx context.Context, tenantID, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.registrations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMaterialization counts materialization attempts by mode and outcome.
func (m *Metrics) RecordMaterialization(ctx context.Context, tenantID, mode, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("mode", strings.TrimSpace(mode)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.materializations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRefresh counts view refreshes by outcome.
func (m *Metrics) RecordRefresh(ctx context.Context, tenantID, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordVectorRequest counts feature vector reads by cache result.
func (m *Metrics) RecordVectorRequest(ctx context.Context, tenantID, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.vectorRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOnlineUpdate counts feature vectors written by the stream processor.
func (m *Metrics) RecordOnlineUpdate(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("tenant_id", strings.TrimSpace(tenantID)))
	m.onlineUpdates.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"tenant_id": {},
	"mode":      {},
	"outcome":   {},
	"result":    {},
	"reason":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
