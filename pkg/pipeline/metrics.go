package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	bytesFetched  prometheus.Counter
	fetchRetries  prometheus.Counter
	refetches     prometheus.Counter
	activeRuns    prometheus.Gauge
	stageDuration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "installer",
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal state and failure family.",
		}, []string{"state", "family"}),
		bytesFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "installer",
			Name:      "fetched_bytes_total",
			Help:      "Archive bytes written to scratch, including resumed attempts.",
		}),
		fetchRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "installer",
			Name:      "fetch_retries_total",
			Help:      "Fetch attempts retried after a transient network error.",
		}),
		refetches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "installer",
			Name:      "refetches_total",
			Help:      "Archives discarded and fetched again after an integrity failure.",
		}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "installer",
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "installer",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
	}
}

func (m *Metrics) runFinished(state Stage, family string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(state), family).Inc()
}

func (m *Metrics) fetched(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesFetched.Add(float64(n))
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.fetchRetries.Inc()
}

func (m *Metrics) refetched() {
	if m == nil {
		return
	}
	m.refetches.Inc()
}

func (m *Metrics) active(delta float64) {
	if m == nil {
		return
	}
	m.activeRuns.Add(delta)
}

func (m *Metrics) stageDone(stage Stage, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(seconds)
}
