// Package metrics holds the Prometheus collectors of the mutation core.
//
// Each Metrics owns its registry so several applications (and tests) can
// live in one process without colliding on registration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Mutation outcomes used as the "outcome" label of udf_mutations_total.
const (
	OutcomeSuccess       = "success"
	OutcomeFunctionError = "function_error"
	OutcomeExhausted     = "occ_exhausted"
	OutcomeTimeout       = "timeout"
	OutcomeFailed        = "failed"
)

const namespace = "udf"

// Metrics is the set of collectors updated by the OCC engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	attempts        prometheus.Counter
	conflicts       prometheus.Counter
	exhausted       prometheus.Counter
	mutations       *prometheus.CounterVec
	attemptDuration prometheus.Histogram
}

// New returns collectors registered on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "occ",
			Name:      "attempts_total",
			Help:      "Counter of mutation attempts executed.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "occ",
			Name:      "conflicts_total",
			Help:      "Counter of attempts whose commit hit an OCC conflict.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "occ",
			Name:      "exhausted_total",
			Help:      "Counter of mutations that ran out of OCC retries.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Counter of finished mutations by outcome.",
		}, []string{"outcome"}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Bucketed histogram of mutation attempt execution time (s).",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}),
	}
	m.registry.MustRegister(
		m.attempts,
		m.conflicts,
		m.exhausted,
		m.mutations,
		m.attemptDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry to expose, e.g. through promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Attempt records one executed attempt.
func (m *Metrics) Attempt(d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.Inc()
	m.attemptDuration.Observe(d.Seconds())
}

// Conflict records a commit rejected by validation.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// Finished records the outcome of a whole mutation.
func (m *Metrics) Finished(outcome string) {
	if m == nil {
		return
	}
	if outcome == OutcomeExhausted {
		m.exhausted.Inc()
	}
	m.mutations.WithLabelValues(outcome).Inc()
}
