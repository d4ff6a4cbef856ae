// Package dispatch matches ready tasks to capable worker agents and
// drives the polling daemon that turns decisions into running sessions.
package dispatch

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
	"github.com/stoneforge-ai/stoneforge/internal/ratelimit"
)

// needsPrefix marks a task tag as a capability requirement. A task
// tagged needs:go is only dispatched to agents tagged go.
const needsPrefix = "needs:"

// TaskBoard is the assignment surface dispatch reads and writes.
type TaskBoard interface {
	ReadyTasks(ctx context.Context, now time.Time) ([]*entity.Task, error)
	AgentHasCapacity(ctx context.Context, agentID string) (bool, error)
	AssignToAgent(ctx context.Context, taskID, agentID string) (*entity.Task, error)
	StartTask(ctx context.Context, taskID string) (*entity.Task, error)
	UnassignTask(ctx context.Context, taskID string) (*entity.Task, error)
}

// AgentDirectory lists candidate agents by role.
type AgentDirectory interface {
	GetAgentsByRole(ctx context.Context, role entity.AgentRole) ([]*entity.Agent, error)
}

// SessionGate answers whether an agent can host another session right
// now. A nil gate admits everyone.
type SessionGate interface {
	CanHost(ctx context.Context, agentID string) (bool, error)
}

// Decision pairs one ready task with the agent chosen to work it.
type Decision struct {
	Task  *entity.Task
	Agent *entity.Agent
}

// Service computes dispatch decisions. It holds no state of its own;
// every call reads the current board.
type Service struct {
	board     TaskBoard
	agents    AgentDirectory
	gate      SessionGate
	tracker   *ratelimit.Tracker
	providers *provider.Registry
	logger    *logger.Logger
}

// NewService creates a dispatch service. The gate, tracker, and provider
// registry may be nil.
func NewService(board TaskBoard, agents AgentDirectory, gate SessionGate, tracker *ratelimit.Tracker, providers *provider.Registry, log *logger.Logger) *Service {
	return &Service{
		board:     board,
		agents:    agents,
		gate:      gate,
		tracker:   tracker,
		providers: providers,
		logger:    log.WithFields(zap.String("component", "dispatch")),
	}
}

// Dispatch performs one matching step: walk the ready tasks in dispatch
// order and return the first task an eligible agent can take, or nil
// when nothing matches.
func (s *Service) Dispatch(ctx context.Context) (*Decision, error) {
	return s.dispatchExcluding(ctx, nil, nil)
}

// DispatchBatch returns up to n decisions over distinct tasks and
// distinct agents.
func (s *Service) DispatchBatch(ctx context.Context, n int) ([]*Decision, error) {
	usedTasks := make(map[string]bool)
	usedAgents := make(map[string]bool)
	var out []*Decision
	for len(out) < n {
		d, err := s.dispatchExcluding(ctx, usedTasks, usedAgents)
		if err != nil {
			return nil, err
		}
		if d == nil {
			break
		}
		out = append(out, d)
		usedTasks[d.Task.ID] = true
		usedAgents[d.Agent.ID] = true
	}
	return out, nil
}

func (s *Service) dispatchExcluding(ctx context.Context, usedTasks, usedAgents map[string]bool) (*Decision, error) {
	now := time.Now()
	tasks, err := s.board.ReadyTasks(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	workers, err := s.agents.GetAgentsByRole(ctx, entity.RoleWorker)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if usedTasks[task.ID] {
			continue
		}
		agent, err := s.pickAgent(ctx, task, workers, usedAgents, now)
		if err != nil {
			return nil, err
		}
		if agent != nil {
			return &Decision{Task: task, Agent: agent}, nil
		}
	}
	return nil, nil
}

// pickAgent returns the first worker that is capable of the task, has
// capacity, and is not rate limited.
func (s *Service) pickAgent(ctx context.Context, task *entity.Task, workers []*entity.Agent, usedAgents map[string]bool, now time.Time) (*entity.Agent, error) {
	for _, agent := range workers {
		if usedAgents[agent.ID] {
			continue
		}
		if !capable(task, agent) {
			continue
		}
		if s.limited(agent, now) {
			continue
		}
		ok, err := s.hasCapacity(ctx, task, agent)
		if err != nil {
			return nil, err
		}
		if ok {
			return agent, nil
		}
	}
	return nil, nil
}

// capable reports whether the agent may work the task: in-progress
// tasks stay with their assignee, and every needs capability tag on the
// task must be present on the agent.
func capable(task *entity.Task, agent *entity.Agent) bool {
	if task.Status == entity.TaskStatusInProgress && task.Assignee != "" && task.Assignee != agent.ID {
		return false
	}
	for _, tag := range task.Tags {
		if !strings.HasPrefix(tag, needsPrefix) {
			continue
		}
		if !agent.HasTag(strings.TrimPrefix(tag, needsPrefix)) {
			return false
		}
	}
	return true
}

// hasCapacity combines workload and session headroom. The workload check
// is waived when the task is already assigned to this agent; the slot it
// occupies is the task's own.
func (s *Service) hasCapacity(ctx context.Context, task *entity.Task, agent *entity.Agent) (bool, error) {
	if task.Assignee != agent.ID {
		ok, err := s.board.AgentHasCapacity(ctx, agent.ID)
		if err != nil || !ok {
			return false, err
		}
	}
	if s.gate == nil {
		return true, nil
	}
	return s.gate.CanHost(ctx, agent.ID)
}

// limited reports whether the agent's executable is inside a recorded
// rate-limit window.
func (s *Service) limited(agent *entity.Agent, now time.Time) bool {
	if s.tracker == nil {
		return false
	}
	exe := agent.Executable()
	if exe == "" && s.providers != nil {
		if prov, err := s.providers.Get(agent.Provider()); err == nil {
			exe = prov.Executable()
		}
	}
	if exe == "" {
		return false
	}
	return s.tracker.IsLimited(exe, now)
}
