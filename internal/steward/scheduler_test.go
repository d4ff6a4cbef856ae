package steward

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/metrics"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
	"github.com/stoneforge-ai/stoneforge/internal/ratelimit"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

type recordingExecutor struct {
	mu     sync.Mutex
	calls  []ExecutionContext
	result *ExecutionResult
	err    error
}

func (r *recordingExecutor) run(_ context.Context, _ *entity.Agent, run ExecutionContext) (*ExecutionResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, run)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &ExecutionResult{Success: true, Output: "ok", ItemsProcessed: 1}, nil
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingExecutor) recorded() []ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ExecutionContext, len(r.calls))
	copy(out, r.calls)
	return out
}

type stubProvider struct {
	name string
}

func (p *stubProvider) Name() string                             { return p.name }
func (p *stubProvider) Executable() string                       { return "/usr/local/bin/" + p.name }
func (p *stubProvider) IsAvailable(context.Context) bool         { return true }
func (p *stubProvider) Headless() provider.HeadlessSpawner       { return nil }
func (p *stubProvider) Interactive() provider.InteractiveSpawner { return nil }
func (p *stubProvider) ListModels(context.Context) ([]provider.Model, error) {
	return nil, nil
}

func seedSteward(t *testing.T, st store.Store, name string, triggers []entity.Trigger) *entity.Agent {
	t.Helper()
	agent := entity.NewAgent(name, entity.RoleSteward, "test")
	if len(triggers) > 0 {
		agent.SetTriggers(triggers)
	}
	require.NoError(t, st.CreateAgent(context.Background(), agent))
	return agent
}

func TestRegisterStewardInstallsTriggers(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})
	steward := seedSteward(t, st, "nightly-groomer", []entity.Trigger{
		{Type: entity.TriggerCron, Schedule: "0 3 * * *"},
		{Type: entity.TriggerEvent, Event: "task.failed", Condition: "priority <= 1"},
	})

	require.NoError(t, sched.RegisterSteward(ctx, steward.ID))

	jobs := sched.CronJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, steward.ID, jobs[0].StewardID)
	assert.Equal(t, "0 3 * * *", jobs[0].Schedule)
	assert.True(t, jobs[0].NextFire.After(time.Now()))

	subs := sched.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, steward.ID, subs[0].StewardID)
	assert.Equal(t, "task.failed", subs[0].Event)
	assert.Equal(t, "priority <= 1", subs[0].Condition)
}

func TestRegisterStewardRejectsNonSteward(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})

	worker := entity.NewAgent("builder", entity.RoleWorker, "test")
	require.NoError(t, st.CreateAgent(ctx, worker))

	err := sched.RegisterSteward(ctx, worker.ID)
	require.Error(t, err)
	assert.Equal(t, entity.CodeInvalidArguments, entity.ErrorCode(err))
}

func TestRegisterStewardSkipsInvalidCron(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})
	steward := seedSteward(t, st, "half-broken", []entity.Trigger{
		{Type: entity.TriggerCron, Schedule: "99 * * * *"},
		{Type: entity.TriggerEvent, Event: "doc.updated"},
	})

	require.NoError(t, sched.RegisterSteward(ctx, steward.ID))

	assert.Empty(t, sched.CronJobs())
	assert.Len(t, sched.Subscriptions(), 1)
}

func TestRegisterStewardReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})
	steward := seedSteward(t, st, "groomer", []entity.Trigger{
		{Type: entity.TriggerCron, Schedule: "0 3 * * *"},
		{Type: entity.TriggerEvent, Event: "task.failed"},
	})
	require.NoError(t, sched.RegisterSteward(ctx, steward.ID))

	_, err := st.UpdateAgent(ctx, steward.ID, func(a *entity.Agent) error {
		a.SetTriggers([]entity.Trigger{{Type: entity.TriggerEvent, Event: "doc.updated"}})
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sched.RegisterSteward(ctx, steward.ID))

	assert.Empty(t, sched.CronJobs())
	subs := sched.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "doc.updated", subs[0].Event)
}

func TestUnregisterStewardRemovesTriggers(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})
	steward := seedSteward(t, st, "groomer", []entity.Trigger{
		{Type: entity.TriggerCron, Schedule: "0 3 * * *"},
		{Type: entity.TriggerEvent, Event: "task.failed"},
	})
	require.NoError(t, sched.RegisterSteward(ctx, steward.ID))

	sched.UnregisterSteward(steward.ID)

	assert.Empty(t, sched.CronJobs())
	assert.Empty(t, sched.Subscriptions())
	assert.Zero(t, sched.PublishEvent(ctx, "task.failed", nil))
}

func TestPublishEventRunsMatchingStewards(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})
	always := seedSteward(t, st, "always", []entity.Trigger{
		{Type: entity.TriggerEvent, Event: "task.failed"},
	})
	urgent := seedSteward(t, st, "urgent-only", []entity.Trigger{
		{Type: entity.TriggerEvent, Event: "task.failed", Condition: "priority <= 1"},
	})
	require.NoError(t, sched.RegisterSteward(ctx, always.ID))
	require.NoError(t, sched.RegisterSteward(ctx, urgent.ID))

	assert.Equal(t, 2, sched.PublishEvent(ctx, "task.failed", map[string]any{"priority": 0}))
	assert.Equal(t, 1, sched.PublishEvent(ctx, "task.failed", map[string]any{"priority": 4}))
	assert.Equal(t, 0, sched.PublishEvent(ctx, "task.created", map[string]any{}))

	assert.Eventually(t, func() bool { return exec.count() == 3 }, time.Second, 10*time.Millisecond)
	for _, run := range exec.recorded() {
		assert.Equal(t, TriggerSourceEvent, run.Trigger)
		assert.Equal(t, "task.failed", run.Event)
	}
}

func TestPublishEventMalformedConditionNeverMatches(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})
	steward := seedSteward(t, st, "broken-guard", []entity.Trigger{
		{Type: entity.TriggerEvent, Event: "task.failed", Condition: `status = "open"`},
	})
	require.NoError(t, sched.RegisterSteward(ctx, steward.ID))

	require.Len(t, sched.Subscriptions(), 1)
	assert.Zero(t, sched.PublishEvent(ctx, "task.failed", map[string]any{"status": "open"}))
	assert.Zero(t, exec.count())
}

func TestPublishEventSkipsRateLimitedSteward(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	tracker := ratelimit.NewTracker()
	sched := NewScheduler(st, exec.run, tracker, nil, nil, nil, logger.Default(), Config{})

	agent := entity.NewAgent("limited", entity.RoleSteward, "test")
	agent.SetTriggers([]entity.Trigger{{Type: entity.TriggerEvent, Event: "task.failed"}})
	agent.SetExecutable("/usr/local/bin/claude")
	require.NoError(t, st.CreateAgent(ctx, agent))
	require.NoError(t, sched.RegisterSteward(ctx, agent.ID))

	tracker.SetLimited("/usr/local/bin/claude", time.Now().Add(time.Hour))
	assert.Zero(t, sched.PublishEvent(ctx, "task.failed", nil))
	assert.Zero(t, exec.count())

	tracker.Clear("/usr/local/bin/claude")
	assert.Equal(t, 1, sched.PublishEvent(ctx, "task.failed", nil))
	assert.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRateLimitFallsBackToProviderExecutable(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	tracker := ratelimit.NewTracker()
	providers := provider.NewRegistry()
	providers.Register(&stubProvider{name: "claude-code"})
	sched := NewScheduler(st, exec.run, tracker, providers, nil, nil, logger.Default(), Config{})

	agent := entity.NewAgent("groomer", entity.RoleSteward, "test")
	agent.SetTriggers([]entity.Trigger{{Type: entity.TriggerEvent, Event: "task.failed"}})
	agent.SetProvider("claude-code")
	require.NoError(t, st.CreateAgent(ctx, agent))
	require.NoError(t, sched.RegisterSteward(ctx, agent.ID))

	tracker.SetLimited("/usr/local/bin/claude-code", time.Now().Add(time.Hour))
	assert.Zero(t, sched.PublishEvent(ctx, "task.failed", nil))
	assert.Zero(t, exec.count())
}

func TestExecuteStewardRunsSynchronously(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{result: &ExecutionResult{Success: true, Output: "groomed 4 tasks", ItemsProcessed: 4}}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})
	steward := seedSteward(t, st, "manual-target", nil)

	run, err := sched.ExecuteSteward(ctx, steward.ID)
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, TriggerSourceManual, run.Trigger)
	assert.Equal(t, "groomed 4 tasks", run.Output)
	assert.Equal(t, 4, run.ItemsProcessed)
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.EndedAt.Before(run.StartedAt))

	history := sched.History(steward.ID)
	require.Len(t, history, 1)
	assert.Equal(t, run.ID, history[0].ID)
}

func TestExecuteStewardBypassesRateLimit(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	tracker := ratelimit.NewTracker()
	sched := NewScheduler(st, exec.run, tracker, nil, nil, nil, logger.Default(), Config{})

	agent := entity.NewAgent("limited", entity.RoleSteward, "test")
	agent.SetExecutable("/usr/local/bin/claude")
	require.NoError(t, st.CreateAgent(ctx, agent))
	tracker.SetLimited("/usr/local/bin/claude", time.Now().Add(time.Hour))

	run, err := sched.ExecuteSteward(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, 1, exec.count())
}

func TestExecuteStewardRejectsNonSteward(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})

	worker := entity.NewAgent("builder", entity.RoleWorker, "test")
	require.NoError(t, st.CreateAgent(ctx, worker))

	_, err := sched.ExecuteSteward(ctx, worker.ID)
	require.Error(t, err)
	assert.Equal(t, entity.CodeInvalidArguments, entity.ErrorCode(err))
}

func TestExecutorErrorRecordsFailure(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{err: errors.New("upstream exploded")}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})
	steward := seedSteward(t, st, "doomed", nil)

	run, err := sched.ExecuteSteward(ctx, steward.ID)
	require.NoError(t, err)
	assert.False(t, run.Success)
	assert.Equal(t, "upstream exploded", run.Error)
}

func TestExecutionTimeoutFailsRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	blocking := func(runCtx context.Context, _ *entity.Agent, _ ExecutionContext) (*ExecutionResult, error) {
		<-runCtx.Done()
		return nil, runCtx.Err()
	}
	sched := NewScheduler(st, blocking, nil, nil, nil, nil, logger.Default(), Config{ExecutionTimeout: 50 * time.Millisecond})
	steward := seedSteward(t, st, "slow", nil)

	run, err := sched.ExecuteSteward(ctx, steward.ID)
	require.NoError(t, err)
	assert.False(t, run.Success)
	assert.Contains(t, run.Error, "context deadline exceeded")
}

func TestHistoryTrimsToLimit(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{HistoryLimit: 3})
	steward := seedSteward(t, st, "busy", nil)

	var ids []string
	for i := 0; i < 5; i++ {
		run, err := sched.ExecuteSteward(ctx, steward.ID)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	history := sched.History(steward.ID)
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[4], history[2].ID)
}

func TestExecutionEventsReachBus(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()
	sched := NewScheduler(st, exec.run, nil, nil, eventBus, nil, logger.Default(), Config{})
	steward := seedSteward(t, st, "observed", nil)

	var mu sync.Mutex
	var seen []string
	_, err := eventBus.Subscribe("steward.execution.>", func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
		assert.Equal(t, steward.ID, ev.Data["steward_id"])
		return nil
	})
	require.NoError(t, err)

	_, err = sched.ExecuteSteward(ctx, steward.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, seen, events.StewardExecutionStarted)
	assert.Contains(t, seen, events.StewardExecutionCompleted)
}

func TestFailedExecutionPublishesFailure(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{err: errors.New("boom")}
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()
	sched := NewScheduler(st, exec.run, nil, nil, eventBus, nil, logger.Default(), Config{})
	steward := seedSteward(t, st, "doomed", nil)

	var mu sync.Mutex
	var seen []string
	_, err := eventBus.Subscribe("steward.execution.>", func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
		return nil
	})
	require.NoError(t, err)

	_, err = sched.ExecuteSteward(ctx, steward.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, evType := range seen {
			if evType == events.StewardExecutionFailed {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestCronFiringRunsDueJobs(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})
	steward := seedSteward(t, st, "minutely", []entity.Trigger{
		{Type: entity.TriggerCron, Schedule: "* * * * *"},
	})
	require.NoError(t, sched.RegisterSteward(ctx, steward.ID))

	jobs := sched.CronJobs()
	require.Len(t, jobs, 1)

	sched.fireDueCronJobs(ctx, jobs[0].NextFire.Add(-time.Second))
	assert.Zero(t, exec.count())

	fireAt := jobs[0].NextFire.Add(time.Second)
	sched.fireDueCronJobs(ctx, fireAt)
	assert.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, TriggerSourceCron, exec.recorded()[0].Trigger)

	jobs = sched.CronJobs()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].NextFire.After(fireAt))
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{TickInterval: 10 * time.Millisecond})

	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.Start(ctx))
	assert.True(t, sched.IsRunning())

	sched.Stop()
	sched.Stop()
	assert.False(t, sched.IsRunning())
}

func TestStartImmediatelyRegistersStoredStewards(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{StartImmediately: true})
	seedSteward(t, st, "one", []entity.Trigger{{Type: entity.TriggerEvent, Event: "task.failed"}})
	seedSteward(t, st, "two", []entity.Trigger{{Type: entity.TriggerEvent, Event: "doc.updated"}})
	worker := entity.NewAgent("builder", entity.RoleWorker, "test")
	require.NoError(t, st.CreateAgent(ctx, worker))

	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	assert.Len(t, sched.Subscriptions(), 2)
}

func TestRegisterAllStewardsCounts(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	sched := NewScheduler(st, exec.run, nil, nil, nil, nil, logger.Default(), Config{})
	seedSteward(t, st, "one", []entity.Trigger{{Type: entity.TriggerEvent, Event: "task.failed"}})
	seedSteward(t, st, "two", []entity.Trigger{{Type: entity.TriggerCron, Schedule: "0 4 * * *"}})
	worker := entity.NewAgent("builder", entity.RoleWorker, "test")
	require.NoError(t, st.CreateAgent(ctx, worker))

	count, err := sched.RegisterAllStewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, sched.Subscriptions(), 1)
	assert.Len(t, sched.CronJobs(), 1)
}

func TestExecutionOutcomesFeedMetrics(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	st := store.NewMemoryStore()
	m := metrics.New()
	sched := NewScheduler(st, exec.run, nil, nil, nil, m, logger.Default(), Config{})
	groomer := seedSteward(t, st, "metered", nil)

	_, err := sched.ExecuteSteward(ctx, groomer.ID)
	require.NoError(t, err)

	exec.err = errors.New("executor blew up")
	_, err = sched.ExecuteSteward(ctx, groomer.ID)
	require.NoError(t, err)

	// One completed and one failed series on the registry.
	series, err := testutil.GatherAndCount(m.Registry(), "stoneforge_steward_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}
