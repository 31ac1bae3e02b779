package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StreamOutcomeProcessed    = "processed"
	StreamOutcomeSkipped      = "skipped"
	StreamOutcomeDeadLettered = "dead_lettered"
)

// StreamMetrics tracks the online stream processor.
type StreamMetrics struct {
	messages      *prometheus.CounterVec
	brokerErrors  *prometheus.CounterVec
	batchDuration prometheus.Observer
	indexSets     prometheus.Gauge
	indexReloads  prometheus.Counter
}

var (
	streamMetricsOnce sync.Once
	streamMetrics     *StreamMetrics
)

// StreamWithConfig returns the singleton stream metrics registry.
func StreamWithConfig(cfg Config) *StreamMetrics {
	streamMetricsOnce.Do(func() {
		streamMetrics = newStreamMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return streamMetrics
}

// ResetStreamMetricsForTest resets the stream metrics singleton for tests.
func ResetStreamMetricsForTest() {
	streamMetricsOnce = sync.Once{}
	streamMetrics = nil
}

// NewStreamMetricsForTest builds stream metrics on a private registry.
func NewStreamMetricsForTest(registerer prometheus.Registerer) *StreamMetrics {
	return newStreamMetrics(registerer, Config{ServiceName: "featurestore", Environment: "test"})
}

func newStreamMetrics(registerer prometheus.Registerer, cfg Config) *StreamMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "featurestore_stream_messages_total",
		Help:        "Stream messages handled by outcome.",
		ConstLabels: labels,
	}, []string{"outcome"})
	brokerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "featurestore_stream_broker_errors_total",
		Help:        "Broker-level failures by operation.",
		ConstLabels: labels,
	}, []string{"op"})
	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "featurestore_stream_batch_duration_seconds",
		Help:        "Time spent processing one read batch.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: labels,
	})
	indexSets := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "featurestore_stream_index_feature_sets",
		Help:        "Online feature sets in the active index.",
		ConstLabels: labels,
	})
	indexReloads := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "featurestore_stream_index_reloads_total",
		Help:        "Online index reloads.",
		ConstLabels: labels,
	})

	registerer.MustRegister(messages, brokerErrors, batchDuration, indexSets, indexReloads)

	return &StreamMetrics{
		messages:      messages,
		brokerErrors:  brokerErrors,
		batchDuration: batchDuration,
		indexSets:     indexSets,
		indexReloads:  indexReloads,
	}
}

func (m *StreamMetrics) IncMessage(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *StreamMetrics) IncBrokerError(op string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(op).Inc()
}

func (m *StreamMetrics) ObserveBatch(duration time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
}

// SetIndexSize records the number of sets in a freshly loaded index.
func (m *StreamMetrics) SetIndexSize(n int) {
	if m == nil {
		return
	}
	m.indexSets.Set(float64(n))
	m.indexReloads.Inc()
}
