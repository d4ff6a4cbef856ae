// Package metrics exposes the daemon's Prometheus instrumentation. A nil
// *Metrics is a valid no-op recorder, so components accept one the same
// way they accept a nil event bus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stoneforge"

// Token direction labels.
const (
	DirectionInput  = "input"
	DirectionOutput = "output"
)

// Session outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Metrics is the collector set shared by the dispatch daemon, the steward
// scheduler, and the sync daemon.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted   *prometheus.CounterVec
	sessionsActive    *prometheus.GaugeVec
	sessionOutcomes   *prometheus.CounterVec
	sessionSeconds    *prometheus.HistogramVec
	tokensUsed        *prometheus.CounterVec
	dispatchCycles    prometheus.Counter
	dispatchDecisions prometheus.Counter
	dispatchFailures  prometheus.Counter
	stewardExecutions *prometheus.CounterVec
	syncCycles        prometheus.Counter
	syncItems         *prometheus.CounterVec
}

// New builds the collector set on a private registry that also carries
// the standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		sessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started, by provider.",
		}, []string{"provider"}),
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Currently running sessions, by provider.",
		}, []string{"provider"}),
		sessionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Settled sessions, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		sessionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock session duration, by provider.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"provider"}),
		tokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by provider results, by direction.",
		}, []string{"provider", "direction"}),
		dispatchCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cycles_total",
			Help:      "Completed dispatch daemon cycles.",
		}),
		dispatchDecisions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_decisions_total",
			Help:      "Task-to-agent decisions acted on.",
		}),
		dispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Decisions that failed to produce a running session.",
		}),
		stewardExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steward_executions_total",
			Help:      "Steward executions, by outcome.",
		}, []string{"outcome"}),
		syncCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Completed external sync cycles.",
		}),
		syncItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "External sync item outcomes, by action.",
		}, []string{"action"}),
	}
}

// Registry returns the private registry for the scrape handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionStarted counts one spawned session.
func (m *Metrics) SessionStarted(provider string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(provider).Inc()
	m.sessionsActive.WithLabelValues(provider).Inc()
}

// SessionSettled records the outcome, duration, and token usage of one
// finished session.
func (m *Metrics) SessionSettled(provider, outcome string, duration time.Duration, inputTokens, outputTokens int64) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(provider).Dec()
	m.sessionOutcomes.WithLabelValues(provider, outcome).Inc()
	m.sessionSeconds.WithLabelValues(provider).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.tokensUsed.WithLabelValues(provider, DirectionInput).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.tokensUsed.WithLabelValues(provider, DirectionOutput).Add(float64(outputTokens))
	}
}

// DispatchCycle counts one daemon cycle and the decisions it acted on.
func (m *Metrics) DispatchCycle(decisions int) {
	if m == nil {
		return
	}
	m.dispatchCycles.Inc()
	m.dispatchDecisions.Add(float64(decisions))
}

// DispatchFailure counts a decision that could not be started.
func (m *Metrics) DispatchFailure() {
	if m == nil {
		return
	}
	m.dispatchFailures.Inc()
}

// StewardExecution counts one steward run.
func (m *Metrics) StewardExecution(success bool) {
	if m == nil {
		return
	}
	outcome := OutcomeCompleted
	if !success {
		outcome = OutcomeFailed
	}
	m.stewardExecutions.WithLabelValues(outcome).Inc()
}

// SyncCycle records the item counts of one external sync cycle.
func (m *Metrics) SyncCycle(pushed, pulled, skipped, conflicts, errs int) {
	if m == nil {
		return
	}
	m.syncCycles.Inc()
	m.syncItems.WithLabelValues("pushed").Add(float64(pushed))
	m.syncItems.WithLabelValues("pulled").Add(float64(pulled))
	m.syncItems.WithLabelValues("skipped").Add(float64(skipped))
	m.syncItems.WithLabelValues("conflict").Add(float64(conflicts))
	m.syncItems.WithLabelValues("error").Add(float64(errs))
}
