package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stoneforge/internal/assignment"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/ratelimit"
	"github.com/stoneforge-ai/stoneforge/internal/registry"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

func newTestService(t *testing.T, tracker *ratelimit.Tracker) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	board := assignment.NewService(st, nil, logger.Default())
	agents := registry.NewService(st, nil, logger.Default())
	return NewService(board, agents, nil, tracker, nil, logger.Default()), st
}

func seedTask(t *testing.T, st store.Store, title string, priority int) *entity.Task {
	t.Helper()
	task := entity.NewTask(title, "director-1")
	task.Priority = priority
	require.NoError(t, st.CreateTask(context.Background(), task))
	return task
}

func seedWorker(t *testing.T, st store.Store, name string, maxConcurrent int, tags ...string) *entity.Agent {
	t.Helper()
	agent := entity.NewAgent(name, entity.RoleWorker, "cli")
	agent.Tags = tags
	if maxConcurrent > 0 {
		agent.Metadata[entity.MetaMaxConcurrentTasks] = maxConcurrent
	}
	require.NoError(t, st.CreateAgent(context.Background(), agent))
	return agent
}

func TestDispatchPicksHighestPriorityFirst(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)

	seedTask(t, st, "routine", 4)
	urgent := seedTask(t, st, "urgent", 1)
	seedWorker(t, st, "worker-1", 1)

	decision, err := svc.Dispatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, urgent.ID, decision.Task.ID)
}

func TestDispatchReturnsNilWhenNothingReady(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)
	seedWorker(t, st, "worker-1", 1)

	decision, err := svc.Dispatch(ctx)
	require.NoError(t, err)
	assert.Nil(t, decision)
}

func TestDispatchSkipsScheduledInTheFuture(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)

	task := entity.NewTask("later", "director-1")
	future := time.Now().Add(time.Hour)
	task.ScheduledFor = &future
	require.NoError(t, st.CreateTask(ctx, task))
	seedWorker(t, st, "worker-1", 1)

	decision, err := svc.Dispatch(ctx)
	require.NoError(t, err)
	assert.Nil(t, decision)
}

func TestDispatchHonorsCapabilityTags(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)

	task := seedTask(t, st, "port the driver", 2)
	_, err := st.UpdateTask(ctx, task.ID, func(cur *entity.Task) error {
		cur.Tags = []string{"needs:rust", "backend"}
		return nil
	})
	require.NoError(t, err)
	seedWorker(t, st, "generalist", 1, "go")
	specialist := seedWorker(t, st, "specialist", 1, "rust", "go")

	decision, err := svc.Dispatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, specialist.ID, decision.Agent.ID)
}

func TestDispatchBatchUsesDistinctTasksAndAgents(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)

	first := seedTask(t, st, "first", 1)
	second := seedTask(t, st, "second", 2)
	seedTask(t, st, "third", 3)
	seedWorker(t, st, "worker-a", 1)
	seedWorker(t, st, "worker-b", 1)

	decisions, err := svc.DispatchBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, decisions, 2, "two workers with capacity one take two tasks")
	assert.Equal(t, first.ID, decisions[0].Task.ID)
	assert.Equal(t, second.ID, decisions[1].Task.ID)
	assert.NotEqual(t, decisions[0].Agent.ID, decisions[1].Agent.ID)
}

func TestDispatchRespectsWorkloadCapacity(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)
	board := assignment.NewService(st, nil, logger.Default())

	busy := seedTask(t, st, "busy work", 1)
	waiting := seedTask(t, st, "waiting", 2)
	worker := seedWorker(t, st, "worker-1", 1)

	_, err := board.AssignToAgent(ctx, busy.ID, worker.ID)
	require.NoError(t, err)
	_, err = board.StartTask(ctx, busy.ID)
	require.NoError(t, err)

	// The in-progress task routes back to its assignee; the open task
	// finds no free slot.
	decision, err := svc.Dispatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, busy.ID, decision.Task.ID)
	assert.Equal(t, worker.ID, decision.Agent.ID)

	_, err = board.CloseTask(ctx, busy.ID, "done")
	require.NoError(t, err)

	decision, err = svc.Dispatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, waiting.ID, decision.Task.ID)
}

func TestDispatchExcludesRateLimitedAgents(t *testing.T) {
	ctx := context.Background()
	tracker := ratelimit.NewTracker()
	svc, st := newTestService(t, tracker)

	seedTask(t, st, "blocked", 1)
	worker := seedWorker(t, st, "worker-1", 1)
	_, err := st.UpdateAgent(ctx, worker.ID, func(cur *entity.Agent) error {
		cur.Metadata[entity.MetaExecutable] = "/usr/bin/claude"
		return nil
	})
	require.NoError(t, err)

	tracker.SetLimited("/usr/bin/claude", time.Now().Add(10*time.Minute))
	decision, err := svc.Dispatch(ctx)
	require.NoError(t, err)
	assert.Nil(t, decision, "a limited executable keeps its agents out of dispatch")

	tracker.Clear("/usr/bin/claude")
	decision, err = svc.Dispatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, worker.ID, decision.Agent.ID)
}

func TestDispatchInProgressStaysWithAssignee(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)
	board := assignment.NewService(st, nil, logger.Default())

	task := seedTask(t, st, "mid-flight", 2)
	owner := seedWorker(t, st, "owner", 2)
	seedWorker(t, st, "bystander", 2)

	_, err := board.AssignToAgent(ctx, task.ID, owner.ID)
	require.NoError(t, err)
	_, err = board.StartTask(ctx, task.ID)
	require.NoError(t, err)

	decision, err := svc.Dispatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, owner.ID, decision.Agent.ID)
}
