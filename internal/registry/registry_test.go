package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewService(st, nil, logger.Default()), st
}

func TestRegisterWorkerAllocatesChannel(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	agent, err := svc.RegisterWorker(ctx, "builder", entity.WorkerModePersistent, RegisterOptions{
		Provider:           "claude-code",
		MaxConcurrentTasks: 2,
		CreatedBy:          "cli",
	})
	require.NoError(t, err)
	assert.Equal(t, entity.RoleWorker, agent.Role)
	assert.Equal(t, entity.WorkerModePersistent, agent.WorkerMode())
	assert.Equal(t, 2, agent.MaxConcurrentTasks())
	assert.Equal(t, "claude-code", agent.Provider())
	assert.Equal(t, entity.AgentSessionIdle, agent.SessionStatus())

	channel, err := svc.GetAgentChannel(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, channel.AgentID)
	assert.Equal(t, channel.ID, agent.ChannelID())
}

func TestRegisterIsIdempotentByNameAndRole(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	first, err := svc.RegisterDirector(ctx, "prime", RegisterOptions{})
	require.NoError(t, err)

	second, err := svc.RegisterDirector(ctx, "prime", RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Same name under a different role is a conflict.
	_, err = svc.RegisterWorker(ctx, "prime", entity.WorkerModeEphemeral, RegisterOptions{})
	require.Error(t, err)
	assert.Equal(t, entity.CodeAlreadyExists, entity.ErrorCode(err))
}

func TestRegisterStewardStoresTriggers(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	triggers := []entity.Trigger{
		{Type: entity.TriggerCron, Schedule: "*/10 * * * *"},
		{Type: entity.TriggerEvent, Event: "task_completed", Condition: "task.status == 'closed'"},
	}
	agent, err := svc.RegisterSteward(ctx, "gardener", entity.StewardFocusMerge, triggers, RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, entity.StewardFocusMerge, agent.StewardFocus())

	got := agent.Triggers()
	require.Len(t, got, 2)
	assert.Equal(t, entity.TriggerCron, got[0].Type)
	assert.Equal(t, "task_completed", got[1].Event)
}

func TestRegisterStewardRejectsBadTriggers(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.RegisterSteward(ctx, "broken", entity.StewardFocusCustom,
		[]entity.Trigger{{Type: entity.TriggerCron}}, RegisterOptions{})
	require.Error(t, err)
	assert.Equal(t, entity.CodeValidation, entity.ErrorCode(err))
}

func TestUpdateAgentMetadataPreservesSyncSubtree(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	agent, err := svc.RegisterWorker(ctx, "linked", entity.WorkerModeEphemeral, RegisterOptions{})
	require.NoError(t, err)

	// Simulate the sync engine having written its subtree.
	_, err = st.UpdateAgent(ctx, agent.ID, func(a *entity.Agent) error {
		entity.SetExternalSync(a.Metadata, &entity.ExternalSync{
			Provider: "github", ExternalID: "99",
			AdapterType: entity.AdapterTask, Direction: entity.SyncBidirectional,
		})
		return nil
	})
	require.NoError(t, err)

	updated, err := svc.UpdateAgentMetadata(ctx, agent.ID, map[string]any{
		"team": "infra",
		entity.MetadataKeyExternalSync: map[string]any{"provider": "spoofed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "infra", updated.Metadata["team"])

	sync := entity.ExternalSyncFromMetadata(updated.Metadata)
	require.NotNil(t, sync)
	assert.Equal(t, "github", sync.Provider)
}

func TestUpdateSessionStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	agent, err := svc.RegisterWorker(ctx, "runner", entity.WorkerModeEphemeral, RegisterOptions{})
	require.NoError(t, err)

	bound, err := svc.UpdateSessionStatus(ctx, agent.ID, entity.AgentSessionRunning, "sess-123")
	require.NoError(t, err)
	assert.Equal(t, entity.AgentSessionRunning, bound.SessionStatus())
	assert.Equal(t, "sess-123", bound.SessionID())

	cleared, err := svc.UpdateSessionStatus(ctx, agent.ID, entity.AgentSessionIdle, "")
	require.NoError(t, err)
	assert.Equal(t, entity.AgentSessionIdle, cleared.SessionStatus())
	assert.Empty(t, cleared.SessionID())
}

func TestDeleteAgentBusyGuard(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	agent, err := svc.RegisterWorker(ctx, "busy", entity.WorkerModeEphemeral, RegisterOptions{})
	require.NoError(t, err)

	sess := entity.NewSession(agent.ID, entity.RoleWorker, entity.ModeHeadless, "claude-code", "")
	require.NoError(t, st.CreateSession(ctx, sess))

	err = svc.DeleteAgent(ctx, agent.ID)
	require.Error(t, err)
	assert.Equal(t, entity.CodeCapacity, entity.ErrorCode(err))

	// Terminated sessions do not block deletion.
	_, err = st.UpdateSession(ctx, sess.ID, func(ss *entity.Session) error {
		ss.Status = entity.SessionTerminated
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteAgent(ctx, agent.ID))

	_, err = svc.GetAgent(ctx, agent.ID)
	assert.True(t, entity.IsNotFound(err))
}

func TestChannelHistory(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	agent, err := svc.RegisterWorker(ctx, "scribe", entity.WorkerModeEphemeral, RegisterOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.RecordMessage(ctx, agent.ID, "user", "first"))
	require.NoError(t, svc.RecordMessage(ctx, agent.ID, "assistant", "second"))
	require.NoError(t, svc.RecordMessage(ctx, agent.ID, "user", "third"))

	all, err := svc.History(ctx, agent.ID, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	users, err := svc.History(ctx, agent.ID, "user", 0)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "first", users[0].Content)
}

func TestGetAgentsByRole(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.RegisterDirector(ctx, "prime", RegisterOptions{})
	require.NoError(t, err)
	_, err = svc.RegisterWorker(ctx, "builder-1", entity.WorkerModeEphemeral, RegisterOptions{})
	require.NoError(t, err)
	_, err = svc.RegisterWorker(ctx, "builder-2", entity.WorkerModeEphemeral, RegisterOptions{})
	require.NoError(t, err)

	workers, err := svc.GetAgentsByRole(ctx, entity.RoleWorker)
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	directors, err := svc.GetAgentsByRole(ctx, entity.RoleDirector)
	require.NoError(t, err)
	assert.Len(t, directors, 1)
}
