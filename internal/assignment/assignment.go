// Package assignment encapsulates the task status machine and the workload
// accounting used by dispatch.
package assignment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// Service mutates task assignment state through the store. Status
// transitions are validated by the store's update rules, so every path in
// here shares one transition table.
type Service struct {
	store    store.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates a new task assignment service.
func NewService(st store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "assignment")),
	}
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, taskID string) (*entity.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// ReadyTasks lists dispatchable tasks in dispatch order: priority
// ascending, earlier deadlines first with unset deadlines last, then
// creation time.
func (s *Service) ReadyTasks(ctx context.Context, now time.Time) ([]*entity.Task, error) {
	return s.store.ListReadyTasks(ctx, now)
}

// UpdateTaskStatus transitions a task to the given status. A transition to
// the current status is a no-op that only refreshes updatedAt.
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID string, status entity.TaskStatus) (*entity.Task, error) {
	task, err := s.store.UpdateTask(ctx, taskID, func(t *entity.Task) error {
		t.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishTaskEvent(ctx, events.TaskUpdated, task)
	return task, nil
}

// CloseTask transitions a task to closed and records the reason.
func (s *Service) CloseTask(ctx context.Context, taskID, reason string) (*entity.Task, error) {
	task, err := s.store.UpdateTask(ctx, taskID, func(t *entity.Task) error {
		t.Status = entity.TaskStatusClosed
		t.CloseReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task closed",
		zap.String("task_id", taskID),
		zap.String("reason", reason))
	s.publishTaskEvent(ctx, events.TaskClosed, task)
	return task, nil
}

// ReopenTask transitions a closed task back to open, clearing closedAt and
// the close reason.
func (s *Service) ReopenTask(ctx context.Context, taskID string) (*entity.Task, error) {
	task, err := s.store.UpdateTask(ctx, taskID, func(t *entity.Task) error {
		t.Status = entity.TaskStatusOpen
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task reopened", zap.String("task_id", taskID))
	s.publishTaskEvent(ctx, events.TaskReopened, task)
	return task, nil
}

// AssignToAgent sets the task's assignee. The agent must exist; the task
// status is left alone so callers control when work actually starts.
func (s *Service) AssignToAgent(ctx context.Context, taskID, agentID string) (*entity.Task, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	task, err := s.store.UpdateTask(ctx, taskID, func(t *entity.Task) error {
		t.Assignee = agentID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task assigned",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID))
	s.publishTaskEvent(ctx, events.TaskAssigned, task)
	return task, nil
}

// StartTask transitions a task to in_progress.
func (s *Service) StartTask(ctx context.Context, taskID string) (*entity.Task, error) {
	task, err := s.store.UpdateTask(ctx, taskID, func(t *entity.Task) error {
		t.Status = entity.TaskStatusInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishTaskEvent(ctx, events.TaskUpdated, task)
	return task, nil
}

// UnassignTask clears the assignee without touching status.
func (s *Service) UnassignTask(ctx context.Context, taskID string) (*entity.Task, error) {
	task, err := s.store.UpdateTask(ctx, taskID, func(t *entity.Task) error {
		t.Assignee = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task unassigned", zap.String("task_id", taskID))
	s.publishTaskEvent(ctx, events.TaskUpdated, task)
	return task, nil
}

// GetAgentWorkload counts the agent's tasks in non-terminal, non-backlog
// statuses.
func (s *Service) GetAgentWorkload(ctx context.Context, agentID string) (int, error) {
	return s.store.CountAgentWorkload(ctx, agentID)
}

// AgentHasCapacity reports whether the agent's workload is below its
// configured maxConcurrentTasks.
func (s *Service) AgentHasCapacity(ctx context.Context, agentID string) (bool, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	workload, err := s.store.CountAgentWorkload(ctx, agentID)
	if err != nil {
		return false, err
	}
	return workload < agent.MaxConcurrentTasks(), nil
}

func (s *Service) publishTaskEvent(ctx context.Context, eventType string, task *entity.Task) {
	if s.eventBus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "assignment", map[string]any{
		"task_id":  task.ID,
		"title":    task.Title,
		"status":   string(task.Status),
		"priority": task.Priority,
		"assignee": task.Assignee,
	})
	if err := s.eventBus.Publish(ctx, eventType, ev); err != nil {
		s.logger.Warn("failed to publish task event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
