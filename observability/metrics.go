package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics captures metrics for vault engine operations served over RPC.
type EngineMetrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations prometheus.Counter
	staleQuotes  prometheus.Counter
	throttles    prometheus.Counter
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised singleton metrics registry for the
// vault engine.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultd",
				Subsystem: "engine",
				Name:      "requests_total",
				Help:      "Count of engine operations segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vaultd",
				Subsystem: "engine",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vaultd",
				Subsystem: "engine",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations.",
			}),
			staleQuotes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vaultd",
				Subsystem: "engine",
				Name:      "stale_quotes_total",
				Help:      "Count of operations rejected because a price quote exceeded the staleness window.",
			}),
			throttles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vaultd",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of RPC requests rejected by rate limiting.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.requests,
			engineRegistry.latency,
			engineRegistry.liquidations,
			engineRegistry.staleQuotes,
			engineRegistry.throttles,
		)
	})
	return engineRegistry
}

// Observe records the outcome of an engine operation served over RPC.
func (m *EngineMetrics) Observe(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordLiquidation increments the completed liquidation counter.
func (m *EngineMetrics) RecordLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// RecordStaleQuote increments the stale quote rejection counter.
func (m *EngineMetrics) RecordStaleQuote() {
	if m == nil {
		return
	}
	m.staleQuotes.Inc()
}

// RecordThrottle increments the RPC throttle counter.
func (m *EngineMetrics) RecordThrottle() {
	if m == nil {
		return
	}
	m.throttles.Inc()
}
