// Package registry maintains the set of agent entities and the durable
// message channel allocated to each agent.
package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// RegisterOptions carries the optional fields shared by every registration.
type RegisterOptions struct {
	Provider           string
	Model              string
	Executable         string
	ReportsTo          string
	MaxConcurrentTasks int
	Tags               []string
	CreatedBy          string
}

// Service implements agent registration, lookup, and lifecycle metadata.
type Service struct {
	store    store.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates a new agent registry.
func NewService(st store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "registry")),
	}
}

// RegisterDirector registers a director agent.
func (s *Service) RegisterDirector(ctx context.Context, name string, opts RegisterOptions) (*entity.Agent, error) {
	return s.register(ctx, name, entity.RoleDirector, nil, opts)
}

// RegisterWorker registers a worker agent with the given mode.
func (s *Service) RegisterWorker(ctx context.Context, name string, mode entity.WorkerMode, opts RegisterOptions) (*entity.Agent, error) {
	if mode == "" {
		mode = entity.WorkerModeEphemeral
	}
	extra := map[string]any{entity.MetaWorkerMode: string(mode)}
	return s.register(ctx, name, entity.RoleWorker, extra, opts)
}

// RegisterSteward registers a steward agent with its focus and triggers.
func (s *Service) RegisterSteward(ctx context.Context, name string, focus entity.StewardFocus, triggers []entity.Trigger, opts RegisterOptions) (*entity.Agent, error) {
	if focus == "" {
		focus = entity.StewardFocusCustom
	}
	extra := map[string]any{
		entity.MetaStewardFocus: string(focus),
		entity.MetaTriggers:     triggers,
	}
	return s.register(ctx, name, entity.RoleSteward, extra, opts)
}

// register is the shared path behind the role-specific entry points.
// Registration is idempotent by (name, role): re-registering the same pair
// returns the existing agent, while a name collision across roles is a
// conflict.
func (s *Service) register(ctx context.Context, name string, role entity.AgentRole, extra map[string]any, opts RegisterOptions) (*entity.Agent, error) {
	existing, err := s.store.GetAgentByName(ctx, name)
	if err == nil {
		if existing.Role == role {
			s.logger.Debug("agent already registered",
				zap.String("agent_id", existing.ID),
				zap.String("name", name),
				zap.String("role", string(role)))
			return existing, nil
		}
		return nil, &entity.AlreadyExistsError{Kind: "agent", Key: name}
	}
	if !entity.IsNotFound(err) {
		return nil, err
	}

	agent := entity.NewAgent(name, role, opts.CreatedBy)
	agent.Tags = append(agent.Tags, opts.Tags...)
	for k, v := range extra {
		agent.Metadata[k] = v
	}
	if opts.Provider != "" {
		agent.Metadata[entity.MetaProvider] = opts.Provider
	}
	if opts.Model != "" {
		agent.Metadata[entity.MetaModel] = opts.Model
	}
	if opts.Executable != "" {
		agent.Metadata[entity.MetaExecutable] = opts.Executable
	}
	if opts.ReportsTo != "" {
		agent.Metadata[entity.MetaReportsTo] = opts.ReportsTo
	}
	if opts.MaxConcurrentTasks > 0 {
		agent.Metadata[entity.MetaMaxConcurrentTasks] = opts.MaxConcurrentTasks
	}
	if err := agent.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	channel := entity.NewChannel(agent.ID, fmt.Sprintf("%s-channel", name), opts.CreatedBy)
	if err := s.store.CreateChannel(ctx, channel); err != nil {
		return nil, err
	}
	agent, err = s.store.UpdateAgent(ctx, agent.ID, func(a *entity.Agent) error {
		a.Metadata[entity.MetaChannelID] = channel.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("name", name),
		zap.String("role", string(role)))
	s.publishAgentEvent(ctx, events.AgentRegistered, agent)
	return agent, nil
}

// GetAgent returns an agent by id.
func (s *Service) GetAgent(ctx context.Context, id string) (*entity.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// GetAgentByName returns an agent by its unique name.
func (s *Service) GetAgentByName(ctx context.Context, name string) (*entity.Agent, error) {
	return s.store.GetAgentByName(ctx, name)
}

// ListAgents returns all agents.
func (s *Service) ListAgents(ctx context.Context) ([]*entity.Agent, error) {
	return s.store.ListAgents(ctx, store.AgentFilter{})
}

// GetAgentsByRole returns agents with the given role.
func (s *Service) GetAgentsByRole(ctx context.Context, role entity.AgentRole) ([]*entity.Agent, error) {
	return s.store.ListAgents(ctx, store.AgentFilter{Role: role})
}

// UpdateAgentMetadata merges the patch into the agent's metadata. The
// external sync subtree is never replaced through this path.
func (s *Service) UpdateAgentMetadata(ctx context.Context, id string, patch map[string]any) (*entity.Agent, error) {
	agent, err := s.store.UpdateAgent(ctx, id, func(a *entity.Agent) error {
		merged := entity.MergeMetadataPreservingSync(a.Metadata, patch)
		for k := range a.Metadata {
			delete(a.Metadata, k)
		}
		for k, v := range merged {
			a.Metadata[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishAgentEvent(ctx, events.AgentUpdated, agent)
	return agent, nil
}

// UpdateSessionStatus records the agent's current session binding.
// An empty sessionID clears the binding.
func (s *Service) UpdateSessionStatus(ctx context.Context, id string, status entity.AgentSessionStatus, sessionID string) (*entity.Agent, error) {
	agent, err := s.store.UpdateAgent(ctx, id, func(a *entity.Agent) error {
		a.Metadata[entity.MetaSessionStatus] = string(status)
		if sessionID == "" {
			delete(a.Metadata, entity.MetaSessionID)
		} else {
			a.Metadata[entity.MetaSessionID] = sessionID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishAgentEvent(ctx, events.AgentSessionStatus, agent)
	return agent, nil
}

// DeleteAgent removes an agent. An agent holding a starting, running, or
// terminating session cannot be deleted.
func (s *Service) DeleteAgent(ctx context.Context, id string) error {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	active, err := s.store.ListSessions(ctx, store.SessionFilter{AgentID: id, ActiveOnly: true})
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return &entity.CapacityError{
			AgentID: id,
			Reason:  fmt.Sprintf("agent holds active session %s", active[0].ID),
		}
	}
	if err := s.store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	s.logger.Info("agent deleted",
		zap.String("agent_id", id),
		zap.String("name", agent.Name))
	s.publishAgentEvent(ctx, events.AgentDeleted, agent)
	return nil
}

// GetAgentChannel returns the durable message channel for an agent.
func (s *Service) GetAgentChannel(ctx context.Context, agentID string) (*entity.Channel, error) {
	return s.store.GetChannelByAgent(ctx, agentID)
}

// RecordMessage appends one message to the agent's channel.
func (s *Service) RecordMessage(ctx context.Context, agentID, role, content string) error {
	channel, err := s.store.GetChannelByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return s.store.AppendChannelMessage(ctx, &store.ChannelMessage{
		ID:        entity.NewID("msg"),
		ChannelID: channel.ID,
		Role:      role,
		Content:   content,
		CreatedAt: entity.Now(),
	})
}

// History returns the most recent channel messages for an agent, optionally
// filtered by role.
func (s *Service) History(ctx context.Context, agentID, role string, limit int) ([]*store.ChannelMessage, error) {
	channel, err := s.store.GetChannelByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.store.ListChannelMessages(ctx, channel.ID, role, limit)
}

func (s *Service) publishAgentEvent(ctx context.Context, eventType string, agent *entity.Agent) {
	if s.eventBus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "registry", map[string]any{
		"agent_id":       agent.ID,
		"name":           agent.Name,
		"role":           string(agent.Role),
		"session_status": string(agent.SessionStatus()),
	})
	if err := s.eventBus.Publish(ctx, eventType, ev); err != nil {
		s.logger.Warn("failed to publish agent event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
