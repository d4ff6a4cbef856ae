package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestActiveSessionGaugeTracksLifecycle(t *testing.T) {
	m := New()

	m.SessionStarted("claude")
	m.SessionStarted("claude")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("claude")))

	m.SessionSettled("claude", OutcomeCompleted, 3*time.Second, 10, 20)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("claude")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionOutcomes.WithLabelValues("claude", OutcomeCompleted)))

	m.SessionSettled("claude", OutcomeFailed, time.Second, 0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("claude")))
}

func TestStewardExecutionCountsByOutcome(t *testing.T) {
	m := New()

	m.StewardExecution(true)
	m.StewardExecution(false)
	m.StewardExecution(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stewardExecutions.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stewardExecutions.WithLabelValues(OutcomeFailed)))
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics

	assert.Nil(t, m.Registry())
	m.SessionStarted("claude")
	m.SessionSettled("claude", OutcomeFailed, time.Second, 0, 0)
	m.DispatchCycle(1)
	m.DispatchFailure()
	m.StewardExecution(true)
	m.SyncCycle(1, 1, 0, 0, 0)
}
