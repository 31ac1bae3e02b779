package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	CacheTierFast    = "fast"
	CacheTierDurable = "durable"
	CacheTierView    = "view"

	CacheResultHit     = "hit"
	CacheResultMiss    = "miss"
	CacheResultMissing = "missing"
)

// CacheMetrics tracks the feature cache tiers.
type CacheMetrics struct {
	lookups        *prometheus.CounterVec
	writes         *prometheus.CounterVec
	mirrorFailures prometheus.Counter
}

var (
	cacheMetricsOnce sync.Once
	cacheMetrics     *CacheMetrics
)

// CacheWithConfig returns the singleton cache metrics registry.
func CacheWithConfig(cfg Config) *CacheMetrics {
	cacheMetricsOnce.Do(func() {
		cacheMetrics = newCacheMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return cacheMetrics
}

// ResetCacheMetricsForTest resets the cache metrics singleton for tests.
func ResetCacheMetricsForTest() {
	cacheMetricsOnce = sync.Once{}
	cacheMetrics = nil
}

// NewCacheMetricsForTest builds cache metrics on a private registry.
func NewCacheMetricsForTest(registerer prometheus.Registerer) *CacheMetrics {
	return newCacheMetrics(registerer, Config{ServiceName: "featurestore", Environment: "test"})
}

func newCacheMetrics(registerer prometheus.Registerer, cfg Config) *CacheMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "featurestore_cache_lookups_total",
		Help:        "Feature vector lookups by tier and result.",
		ConstLabels: labels,
	}, []string{"tier", "result"})
	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "featurestore_cache_writes_total",
		Help:        "Feature vector writes by tier.",
		ConstLabels: labels,
	}, []string{"tier"})
	mirrorFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "featurestore_cache_mirror_failures_total",
		Help:        "Best-effort durable mirror writes that failed.",
		ConstLabels: labels,
	})

	registerer.MustRegister(lookups, writes, mirrorFailures)

	return &CacheMetrics{
		lookups:        lookups,
		writes:         writes,
		mirrorFailures: mirrorFailures,
	}
}

func (m *CacheMetrics) IncLookup(tier, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(tier, result).Inc()
}

func (m *CacheMetrics) IncWrite(tier string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(tier).Inc()
}

func (m *CacheMetrics) IncMirrorFailure() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}
