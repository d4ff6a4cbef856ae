// Package session is the durable front for the spawner. It owns session
// records in the store, keeps them in step with the live process table,
// and republishes lifecycle changes on the event bus.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
	"github.com/stoneforge-ai/stoneforge/internal/spawn"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// Spawner is the process-table surface the session manager drives.
type Spawner interface {
	Spawn(ctx context.Context, req spawn.Request) (*spawn.Result, error)
	TrackListeners(sessionID string, handlers map[string]spawn.Handler) (func(), error)
	Status(sessionID string) (entity.SessionStatus, error)
	ProviderSessionID(sessionID string) (string, error)
	SendMessage(sessionID, content string) error
	Interrupt(ctx context.Context, sessionID string) error
	Suspend(sessionID string) error
	Terminate(sessionID string, graceful bool) error
}

// AgentStatusRecorder mirrors coarse session state onto agent metadata.
type AgentStatusRecorder interface {
	UpdateSessionStatus(ctx context.Context, id string, status entity.AgentSessionStatus, sessionID string) (*entity.Agent, error)
}

// Config holds session manager configuration.
type Config struct {
	// StoneforgeRoot is exported to every provider child process.
	StoneforgeRoot string
	// DefaultWorkingDirectory hosts sessions that do not name one.
	DefaultWorkingDirectory string
}

// StartOptions controls one session start. The agent's metadata supplies
// the provider and model unless overridden here.
type StartOptions struct {
	Mode             entity.SessionMode
	Provider         string
	Model            string
	WorkingDirectory string
	InitialPrompt    string
	TaskID           string
	Environment      map[string]string
	Timeout          time.Duration
	Cols             int
	Rows             int
}

// Service persists session records and drives the spawner.
type Service struct {
	store     store.Store
	spawner   Spawner
	providers *provider.Registry
	agents    AgentStatusRecorder
	eventBus  bus.EventBus
	logger    *logger.Logger
	config    Config

	mu      sync.Mutex
	tracked map[string]func()
}

// NewService creates a session manager. The agent recorder and event bus
// may be nil.
func NewService(st store.Store, spawner Spawner, providers *provider.Registry, agents AgentStatusRecorder, eventBus bus.EventBus, log *logger.Logger, cfg Config) *Service {
	return &Service{
		store:     st,
		spawner:   spawner,
		providers: providers,
		agents:    agents,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "session-manager")),
		config:    cfg,
		tracked:   make(map[string]func()),
	}
}

// StartSession validates capacity, resolves the provider and model, spawns
// the child, and persists the running record.
func (s *Service) StartSession(ctx context.Context, agentID string, opts StartOptions) (*entity.Session, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.checkCapacity(ctx, agent); err != nil {
		return nil, err
	}

	prov, model, err := s.resolveProvider(agent, opts)
	if err != nil {
		return nil, err
	}
	if !prov.IsAvailable(ctx) {
		return nil, fmt.Errorf("provider %s is not available on this host", prov.Name())
	}

	mode := opts.Mode
	if mode == "" {
		mode = entity.ModeHeadless
	}
	workingDir := opts.WorkingDirectory
	if workingDir == "" {
		workingDir = s.config.DefaultWorkingDirectory
	}

	rec := entity.NewSession(agentID, agent.Role, mode, prov.Name(), workingDir)
	rec.Model = model
	rec.TaskID = opts.TaskID
	rec.InitialPrompt = opts.InitialPrompt
	if err := s.store.CreateSession(ctx, rec); err != nil {
		return nil, err
	}
	s.publishSessionEvent(ctx, events.SessionStarted, rec)

	res, err := s.spawner.Spawn(ctx, spawn.Request{
		SessionID: rec.ID,
		AgentID:   agentID,
		Mode:      mode,
		Provider:  prov.Name(),
		Options: provider.SpawnOptions{
			WorkingDirectory:     workingDir,
			InitialPrompt:        opts.InitialPrompt,
			EnvironmentVariables: opts.Environment,
			StoneforgeRoot:       s.config.StoneforgeRoot,
			Timeout:              opts.Timeout,
			Model:                model,
			Cols:                 opts.Cols,
			Rows:                 opts.Rows,
		},
	})
	if err != nil {
		s.markTerminated(ctx, rec.ID, "spawn failed: "+err.Error())
		return nil, err
	}

	rec, err = s.settleRunning(ctx, rec.ID, res)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session started",
		zap.String("session_id", rec.ID),
		zap.String("agent_id", agentID),
		zap.String("provider", rec.Provider),
		zap.String("mode", string(rec.Mode)))
	return rec, nil
}

// ResumeSession respawns the agent's most recent resumable session against
// the provider session id it recorded. A provider that no longer knows the
// session settles the record and surfaces the resume failure.
func (s *Service) ResumeSession(ctx context.Context, agentID string) (*entity.Session, error) {
	recs, err := s.store.ListSessions(ctx, store.SessionFilter{AgentID: agentID, ExcludeTerminated: true})
	if err != nil {
		return nil, err
	}
	var target *entity.Session
	for _, rec := range recs {
		if rec.Resumable() {
			target = rec
			break
		}
	}
	if target == nil {
		return nil, entity.NewNotFoundError("resumable session", agentID)
	}

	res, err := s.spawner.Spawn(ctx, spawn.Request{
		SessionID: target.ID,
		AgentID:   agentID,
		Mode:      target.Mode,
		Provider:  target.Provider,
		Options: provider.SpawnOptions{
			WorkingDirectory: target.WorkingDirectory,
			ResumeSessionID:  target.ProviderSessionID,
			StoneforgeRoot:   s.config.StoneforgeRoot,
			Model:            target.Model,
		},
	})
	if err != nil {
		if entity.ErrorCode(err) == entity.CodeInvalidResume {
			s.markTerminated(ctx, target.ID, "provider no longer knows session "+target.ProviderSessionID)
		}
		return nil, err
	}

	rec, err := s.settleRunning(ctx, target.ID, res)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session resumed",
		zap.String("session_id", rec.ID),
		zap.String("agent_id", agentID),
		zap.String("provider_session_id", rec.ProviderSessionID))
	return rec, nil
}

// StopSession ends a session. Graceful stops pass through terminating and
// let the exit event settle the record; forced stops settle it here.
func (s *Service) StopSession(ctx context.Context, sessionID string, graceful bool) (*entity.Session, error) {
	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Status == entity.SessionTerminated {
		return rec, nil
	}

	if graceful && rec.Status == entity.SessionRunning {
		rec, err = s.store.UpdateSession(ctx, sessionID, func(r *entity.Session) error {
			if r.Status != entity.SessionRunning {
				return nil
			}
			return r.Transition(entity.SessionTerminating)
		})
		if err != nil {
			return nil, err
		}
	}

	if err := s.spawner.Terminate(sessionID, graceful); err != nil && !entity.IsNotFound(err) {
		return nil, err
	}

	if !graceful {
		s.releaseTracked(sessionID)
		if settled := s.markTerminated(ctx, sessionID, ""); settled != nil {
			rec = settled
		}
		return rec, nil
	}

	// A live child settles the record through its exit saver. An entry
	// that is already gone, or settled synchronously because no child
	// remained, has no saver left to fire; settle the record here.
	st, statusErr := s.spawner.Status(sessionID)
	if entity.IsNotFound(statusErr) || (statusErr == nil && st == entity.SessionTerminated) {
		s.releaseTracked(sessionID)
		if settled := s.markTerminated(ctx, sessionID, ""); settled != nil {
			rec = settled
		}
		return rec, nil
	}
	return s.store.GetSession(ctx, sessionID)
}

// SuspendSession closes the child while keeping the record resumable.
func (s *Service) SuspendSession(ctx context.Context, sessionID string) (*entity.Session, error) {
	if err := s.spawner.Suspend(sessionID); err != nil {
		return nil, err
	}
	s.releaseTracked(sessionID)
	rec, err := s.store.UpdateSession(ctx, sessionID, func(r *entity.Session) error {
		if r.Status == entity.SessionSuspended {
			return nil
		}
		return r.Transition(entity.SessionSuspended)
	})
	if err != nil {
		return nil, err
	}
	s.publishSessionEvent(ctx, events.SessionSuspended, rec)
	s.mirrorAgent(ctx, rec.AgentID, entity.AgentSessionSuspended, rec.ID)
	s.logger.Info("session suspended",
		zap.String("session_id", rec.ID),
		zap.String("provider_session_id", rec.ProviderSessionID))
	return rec, nil
}

// InterruptSession stops the session's current operation without changing
// its status.
func (s *Service) InterruptSession(ctx context.Context, sessionID string) error {
	if err := s.spawner.Interrupt(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.store.UpdateSession(ctx, sessionID, func(r *entity.Session) error {
		r.TouchActivity()
		return nil
	})
	return err
}

// MessageSession forwards one structured user message to a headless
// session. Interactive sessions take terminal input, not messages.
func (s *Service) MessageSession(ctx context.Context, sessionID, content string) error {
	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Mode != entity.ModeHeadless {
		return &entity.InvalidArgumentsError{
			Msg: fmt.Sprintf("session %s is interactive; write terminal input instead", sessionID),
		}
	}
	if err := s.spawner.SendMessage(sessionID, content); err != nil {
		return err
	}
	_, err = s.store.UpdateSession(ctx, sessionID, func(r *entity.Session) error {
		r.TouchActivity()
		return nil
	})
	return err
}

// GetSession returns one session record.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*entity.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// ListSessions returns session records, most recent first.
func (s *Service) ListSessions(ctx context.Context, filter store.SessionFilter) ([]*entity.Session, error) {
	return s.store.ListSessions(ctx, filter)
}

// History returns the agent's session records newest first, optionally
// restricted to one role. Stewards use it to find a prior provider
// session worth resuming.
func (s *Service) History(ctx context.Context, agentID string, role entity.AgentRole, limit int) ([]*entity.Session, error) {
	recs, err := s.store.ListSessions(ctx, store.SessionFilter{AgentID: agentID})
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Session, 0, len(recs))
	for _, rec := range recs {
		if role != "" && rec.AgentRole != role {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// TrackListeners attaches caller handlers to a session's live event
// stream and returns one release closure for the whole set.
func (s *Service) TrackListeners(sessionID string, handlers map[string]spawn.Handler) (func(), error) {
	return s.spawner.TrackListeners(sessionID, handlers)
}

// CanHost reports whether the agent is below its concurrent session
// limit and could start another session now.
func (s *Service) CanHost(ctx context.Context, agentID string) (bool, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if err := s.checkCapacity(ctx, agent); err != nil {
		if entity.ErrorCode(err) == entity.CodeCapacity {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RestoreFromStore replays outstanding records after a restart. Child
// processes never survive the core, so records claiming a live process
// are settled with a stale note. Suspended records stay resumable while
// their provider is still present. Returns the number settled as stale.
func (s *Service) RestoreFromStore(ctx context.Context) (int, error) {
	recs, err := s.store.ListSessions(ctx, store.SessionFilter{ExcludeTerminated: true})
	if err != nil {
		return 0, err
	}
	stale, kept := 0, 0
	for _, rec := range recs {
		if rec.Status == entity.SessionSuspended && rec.ProviderSessionID != "" {
			if prov, err := s.providers.Get(rec.Provider); err == nil && prov.IsAvailable(ctx) {
				kept++
				continue
			}
		}
		s.markTerminated(ctx, rec.ID, "stale")
		stale++
	}
	s.logger.Info("session records restored",
		zap.Int("kept", kept),
		zap.Int("stale", stale))
	return stale, nil
}

func (s *Service) checkCapacity(ctx context.Context, agent *entity.Agent) error {
	active, err := s.store.ListSessions(ctx, store.SessionFilter{AgentID: agent.ID, ActiveOnly: true})
	if err != nil {
		return err
	}
	if len(active) >= agent.MaxConcurrentTasks() {
		return &entity.CapacityError{
			AgentID: agent.ID,
			Reason:  fmt.Sprintf("%d active sessions at limit %d", len(active), agent.MaxConcurrentTasks()),
		}
	}
	return nil
}

// resolveProvider applies the override precedence: options first, then
// agent metadata, then the registry default.
func (s *Service) resolveProvider(agent *entity.Agent, opts StartOptions) (provider.Provider, string, error) {
	name := opts.Provider
	if name == "" {
		name = agent.Provider()
	}
	prov, err := s.providers.Get(name)
	if err != nil {
		return nil, "", err
	}
	model := opts.Model
	if model == "" {
		model = agent.Model()
	}
	return prov, model, nil
}

// settleRunning persists the spawn result and attaches the durable
// savers that keep the record in step with the live stream.
func (s *Service) settleRunning(ctx context.Context, sessionID string, res *spawn.Result) (*entity.Session, error) {
	rec, err := s.store.UpdateSession(ctx, sessionID, func(r *entity.Session) error {
		if res.ProviderSessionID != "" {
			r.ProviderSessionID = res.ProviderSessionID
		}
		if res.PID != 0 {
			r.PID = res.PID
		}
		if r.Status == entity.SessionRunning {
			r.TouchActivity()
			return nil
		}
		return r.Transition(entity.SessionRunning)
	})
	if err != nil {
		return nil, err
	}

	if err := s.attachSavers(ctx, rec); err != nil {
		s.logger.Warn("failed to attach session savers",
			zap.String("session_id", rec.ID),
			zap.Error(err))
	}
	s.publishSessionEvent(ctx, events.SessionRunning, rec)
	s.mirrorAgent(ctx, rec.AgentID, entity.AgentSessionRunning, rec.ID)
	return rec, nil
}

// attachSavers subscribes the record-keeping handlers to the session's
// live stream. Anything emitted before the subscription is caught by a
// reconcile pass afterwards.
func (s *Service) attachSavers(ctx context.Context, rec *entity.Session) error {
	sessionID := rec.ID
	handlers := map[string]spawn.Handler{
		spawn.EventProviderSession: func(payload any) {
			if id, ok := payload.(string); ok {
				s.persistProviderSessionID(context.Background(), sessionID, id)
			}
		},
		spawn.EventRateLimited: func(payload any) {
			if notice, ok := payload.(spawn.RateLimitNotice); ok {
				s.publishRateLimited(sessionID, rec.AgentID, notice)
			}
		},
		spawn.EventExit: func(payload any) {
			s.settle(context.Background(), sessionID, "")
		},
	}
	release, err := s.spawner.TrackListeners(sessionID, handlers)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.tracked[sessionID]
	s.tracked[sessionID] = release
	s.mu.Unlock()
	if prev != nil {
		prev()
	}

	if psid, err := s.spawner.ProviderSessionID(sessionID); err == nil {
		s.persistProviderSessionID(ctx, sessionID, psid)
	}
	if st, err := s.spawner.Status(sessionID); err == nil && st == entity.SessionTerminated {
		s.settle(ctx, sessionID, "")
	}
	return nil
}

// settle releases the savers and marks the record terminated.
func (s *Service) settle(ctx context.Context, sessionID, note string) {
	s.releaseTracked(sessionID)
	s.markTerminated(ctx, sessionID, note)
}

func (s *Service) releaseTracked(sessionID string) {
	s.mu.Lock()
	release, ok := s.tracked[sessionID]
	delete(s.tracked, sessionID)
	s.mu.Unlock()
	if ok {
		release()
	}
}

// markTerminated settles the record if it has not settled already and
// returns the current record, or nil when it cannot be loaded.
func (s *Service) markTerminated(ctx context.Context, sessionID, note string) *entity.Session {
	changed := false
	rec, err := s.store.UpdateSession(ctx, sessionID, func(r *entity.Session) error {
		if r.Status == entity.SessionTerminated {
			return nil
		}
		if note != "" {
			r.Note = note
		}
		changed = true
		return r.Transition(entity.SessionTerminated)
	})
	if err != nil {
		s.logger.Warn("failed to settle session record",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}
	if !changed {
		return rec
	}
	s.logger.Info("session terminated",
		zap.String("session_id", sessionID),
		zap.String("agent_id", rec.AgentID),
		zap.String("note", note))
	s.publishSessionEvent(ctx, events.SessionTerminated, rec)
	s.mirrorAgent(ctx, rec.AgentID, entity.AgentSessionTerminated, rec.ID)
	return rec
}

func (s *Service) persistProviderSessionID(ctx context.Context, sessionID, providerSessionID string) {
	if providerSessionID == "" {
		return
	}
	_, err := s.store.UpdateSession(ctx, sessionID, func(r *entity.Session) error {
		if r.ProviderSessionID == providerSessionID {
			return nil
		}
		r.ProviderSessionID = providerSessionID
		r.TouchActivity()
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to persist provider session id",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (s *Service) mirrorAgent(ctx context.Context, agentID string, status entity.AgentSessionStatus, sessionID string) {
	if s.agents == nil {
		return
	}
	if _, err := s.agents.UpdateSessionStatus(ctx, agentID, status, sessionID); err != nil {
		s.logger.Warn("failed to mirror session status onto agent",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}

func (s *Service) publishSessionEvent(ctx context.Context, eventType string, rec *entity.Session) {
	if s.eventBus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "session-manager", map[string]any{
		"session_id":          rec.ID,
		"agent_id":            rec.AgentID,
		"agent_role":          string(rec.AgentRole),
		"mode":                string(rec.Mode),
		"provider":            rec.Provider,
		"status":              string(rec.Status),
		"provider_session_id": rec.ProviderSessionID,
		"task_id":             rec.TaskID,
	})
	if err := s.eventBus.Publish(ctx, events.BuildSessionSubject(eventType, rec.ID), ev); err != nil {
		s.logger.Warn("failed to publish session event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (s *Service) publishRateLimited(sessionID, agentID string, notice spawn.RateLimitNotice) {
	if s.eventBus == nil {
		return
	}
	ev := bus.NewEvent(events.SessionRateLimited, "session-manager", map[string]any{
		"session_id":      sessionID,
		"agent_id":        agentID,
		"executable_path": notice.ExecutablePath,
		"resets_at":       notice.ResetsAt,
		"message":         notice.Message,
	})
	subject := events.BuildSessionSubject(events.SessionRateLimited, sessionID)
	if err := s.eventBus.Publish(context.Background(), subject, ev); err != nil {
		s.logger.Warn("failed to publish rate limit event",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}
