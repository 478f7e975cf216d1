package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics are the collectors updated on the call path. A nil
// *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	compiles      prometheus.Counter
	calls         *prometheus.CounterVec
	gasUsed       *prometheus.HistogramVec
	busySlots     prometheus.Gauge
	hostIOLatency prometheus.Histogram
}

func NewEngineMetrics(namespace string, reg prometheus.Registerer) (*EngineMetrics, error) {
	m := &EngineMetrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module_cache",
			Name:      "hits_total",
			Help:      "Module cache lookups served from the cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module_cache",
			Name:      "misses_total",
			Help:      "Module cache lookups that required compilation",
		}),
		compiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module_cache",
			Name:      "compiles_total",
			Help:      "Modules validated, instrumented and compiled",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "calls_total",
			Help:      "Contract calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		gasUsed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "gas_used",
			Help:      "Gas consumed per successful call",
			Buckets:   prometheus.ExponentialBuckets(1000, 4, 10),
		}, []string{"operation"}),
		busySlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "busy_slots",
			Help:      "Execution slots currently held by a call",
		}),
		hostIOLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "host_store",
			Name:      "commit_duration_seconds",
			Help:      "Duration of committing buffered call writes",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	for _, c := range []prometheus.Collector{m.cacheHits, m.cacheMisses, m.compiles, m.calls, m.gasUsed, m.busySlots, m.hostIOLatency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *EngineMetrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *EngineMetrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *EngineMetrics) Compiled() {
	if m != nil {
		m.compiles.Inc()
	}
}

// CallFinished records the outcome ("ok" or an error kind) and, for successful
// calls, the gas used.
func (m *EngineMetrics) CallFinished(operation, outcome string, gasUsed uint64) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(operation, outcome).Inc()
	if outcome == "ok" {
		m.gasUsed.WithLabelValues(operation).Observe(float64(gasUsed))
	}
}

func (m *EngineMetrics) SlotAcquired() {
	if m != nil {
		m.busySlots.Inc()
	}
}

func (m *EngineMetrics) SlotReleased() {
	if m != nil {
		m.busySlots.Dec()
	}
}

func (m *EngineMetrics) ObserveCommit(seconds float64) {
	if m != nil {
		m.hostIOLatency.Observe(seconds)
	}
}
