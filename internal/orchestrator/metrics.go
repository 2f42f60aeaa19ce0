package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "taskflow"

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runs           *prometheus.CounterVec
	ticks          prometheus.Histogram
	duration       prometheus.Histogram
	retries        prometheus.Counter
	performerCalls *prometheus.CounterVec
	failures       *prometheus.CounterVec
}

// NewMetrics creates the orchestrator collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Runs finished, by outcome.",
		}, []string{"outcome"}),
		ticks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "run_ticks",
			Help:      "Supervisor invocations per run.",
			Buckets:   prometheus.LinearBuckets(1, 3, 9),
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "retries_total",
			Help:      "Rejected attempts that were retried.",
		}),
		performerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "performer_calls_total",
			Help:      "Performer invocations, by performer and result.",
		}, []string{"performer", "result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "failures_total",
			Help:      "Content failures, by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.ticks, m.duration, m.retries, m.performerCalls, m.failures)
	}
	return m
}

func (m *Metrics) observeRun(s TaskState, ticks int, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(s.Outcome)).Inc()
	m.ticks.Observe(float64(ticks))
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) observeAbort(ticks int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues("aborted").Inc()
	m.ticks.Observe(float64(ticks))
}

func (m *Metrics) observeCall(actor Actor, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.performerCalls.WithLabelValues(string(actor), result).Inc()
}

// observeFailure counts a content failure. Every failure leads to exactly one
// retry or, at the budget, to forced completion.
func (m *Metrics) observeFailure(kind FailureKind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(kind)).Inc()
	m.retries.Inc()
}
