// Package spawn runs provider child processes and fans their output out
// on per-session event streams. The spawner keeps only in-memory state;
// durable session records belong to the session manager layered above.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
)

// Config controls spawn behavior.
type Config struct {
	// SpawnTimeout bounds the wait for a headless session's init event.
	SpawnTimeout time.Duration
	// CleanupDelay keeps finished sessions visible to late consumers
	// before their table entry is removed.
	CleanupDelay time.Duration
}

// DefaultConfig returns the spawner defaults.
func DefaultConfig() Config {
	return Config{
		SpawnTimeout: 120 * time.Second,
		CleanupDelay: 5 * time.Second,
	}
}

var (
	// ErrSessionActive is returned when a spawn reuses the id of a
	// session that still has a live child.
	ErrSessionActive = errors.New("session already active")
	// ErrNotHeadless is returned for message operations on interactive sessions.
	ErrNotHeadless = errors.New("session is not headless")
	// ErrNotInteractive is returned for terminal operations on headless sessions.
	ErrNotInteractive = errors.New("session is not interactive")
)

// Request describes one session spawn.
type Request struct {
	SessionID string
	AgentID   string
	Mode      entity.SessionMode
	// Provider selects a registry entry; empty selects the default.
	Provider string
	Options  provider.SpawnOptions
}

// Result reports what a successful spawn produced.
type Result struct {
	SessionID         string
	ProviderSessionID string
	PID               int
}

// Info is a point-in-time snapshot of one table entry.
type Info struct {
	SessionID         string               `json:"sessionId"`
	AgentID           string               `json:"agentId"`
	Mode              entity.SessionMode   `json:"mode"`
	Status            entity.SessionStatus `json:"status"`
	Provider          string               `json:"provider"`
	ProviderSessionID string               `json:"providerSessionId,omitempty"`
	PID               int                  `json:"pid,omitempty"`
}

// spawnedSession is one entry in the in-memory table.
type spawnedSession struct {
	id           string
	agentID      string
	mode         entity.SessionMode
	providerName string
	executable   string
	bus          *sessionBus

	initOnce sync.Once
	initCh   chan struct{}
	endOnce  sync.Once
	endCh    chan struct{}

	mu                sync.Mutex
	status            entity.SessionStatus
	providerSessionID string
	pid               int
	lastErr           error
	headless          provider.HeadlessSession
	interactive       provider.InteractiveSession
}

func (sess *spawnedSession) snapshot() Info {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Info{
		SessionID:         sess.id,
		AgentID:           sess.agentID,
		Mode:              sess.mode,
		Status:            sess.status,
		Provider:          sess.providerName,
		ProviderSessionID: sess.providerSessionID,
		PID:               sess.pid,
	}
}

func (sess *spawnedSession) currentStatus() entity.SessionStatus {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.status
}

// setProviderSessionID stores the id and reports whether it changed.
func (sess *spawnedSession) setProviderSessionID(id string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if id == "" || sess.providerSessionID == id {
		return false
	}
	sess.providerSessionID = id
	return true
}

func (sess *spawnedSession) currentProviderSessionID() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.providerSessionID
}

// markRunning transitions starting to running and unblocks Spawn.
func (sess *spawnedSession) markRunning() {
	sess.mu.Lock()
	if sess.status == entity.SessionStarting {
		sess.status = entity.SessionRunning
	}
	sess.mu.Unlock()
	sess.initOnce.Do(func() { close(sess.initCh) })
}

func (sess *spawnedSession) setLastErr(err error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastErr = err
}

func (sess *spawnedSession) lastError() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastErr
}

// Spawner owns the in-memory session table.
type Spawner struct {
	providers *provider.Registry
	logger    *logger.Logger
	config    Config

	mu       sync.Mutex
	sessions map[string]*spawnedSession
}

// New creates a spawner over the given provider registry.
func New(providers *provider.Registry, log *logger.Logger, cfg Config) *Spawner {
	def := DefaultConfig()
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = def.SpawnTimeout
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = def.CleanupDelay
	}
	return &Spawner{
		providers: providers,
		logger:    log.WithFields(zap.String("component", "spawner")),
		config:    cfg,
		sessions:  make(map[string]*spawnedSession),
	}
}

// Spawn starts a provider child for the given session id. For headless
// sessions it blocks until the provider announces init or the spawn
// deadline passes.
func (s *Spawner) Spawn(ctx context.Context, req Request) (*Result, error) {
	if req.SessionID == "" {
		return nil, &entity.InvalidArgumentsError{Msg: "spawn requires a session id"}
	}
	prov, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	sess := &spawnedSession{
		id:                req.SessionID,
		agentID:           req.AgentID,
		mode:              req.Mode,
		providerName:      prov.Name(),
		executable:        prov.Executable(),
		bus:               newSessionBus(),
		status:            entity.SessionStarting,
		providerSessionID: req.Options.ResumeSessionID,
		initCh:            make(chan struct{}),
		endCh:             make(chan struct{}),
	}
	if err := s.insert(sess); err != nil {
		return nil, err
	}

	if req.Mode == entity.ModeInteractive {
		return s.spawnInteractive(ctx, prov, sess, req.Options)
	}
	return s.spawnHeadless(ctx, prov, sess, req.Options)
}

// insert claims the table slot. Respawning over a suspended or finished
// entry keeps the old bus so long-lived subscribers survive a resume.
func (s *Spawner) insert(sess *spawnedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sess.id]; ok {
		switch existing.currentStatus() {
		case entity.SessionTerminated, entity.SessionSuspended:
			sess.bus = existing.bus
		default:
			return fmt.Errorf("%w: %s", ErrSessionActive, sess.id)
		}
	}
	s.sessions[sess.id] = sess
	return nil
}

func (s *Spawner) spawnHeadless(ctx context.Context, prov provider.Provider, sess *spawnedSession, opts provider.SpawnOptions) (*Result, error) {
	hs, err := prov.Headless().Spawn(ctx, opts)
	if err != nil {
		s.removeEntry(sess)
		return nil, fmt.Errorf("headless spawn: %w", err)
	}
	sess.mu.Lock()
	sess.headless = hs
	sess.mu.Unlock()

	go s.pumpHeadless(sess, hs)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.config.SpawnTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sess.initCh:
	case <-sess.endCh:
		if err := sess.lastError(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("session %s ended before init", sess.id)
	case <-timer.C:
		s.logger.Warn("no init from provider before deadline",
			zap.String("session_id", sess.id),
			zap.Duration("timeout", timeout))
		s.finish(sess, ExitNotice{Code: 1})
		return nil, &entity.TimeoutError{Op: "spawn " + sess.id, Limit: timeout}
	case <-ctx.Done():
		s.finish(sess, ExitNotice{Code: 1})
		return nil, ctx.Err()
	}

	res := &Result{SessionID: sess.id, ProviderSessionID: sess.currentProviderSessionID()}
	s.logger.Info("headless session running",
		zap.String("session_id", sess.id),
		zap.String("agent_id", sess.agentID),
		zap.String("provider_session_id", res.ProviderSessionID))
	return res, nil
}

func (s *Spawner) spawnInteractive(ctx context.Context, prov provider.Provider, sess *spawnedSession, opts provider.SpawnOptions) (*Result, error) {
	is, err := prov.Interactive().Spawn(ctx, opts)
	if err != nil {
		s.removeEntry(sess)
		return nil, fmt.Errorf("interactive spawn: %w", err)
	}

	sess.mu.Lock()
	sess.interactive = is
	sess.pid = is.PID()
	sess.status = entity.SessionRunning
	if id := is.SessionID(); id != "" {
		sess.providerSessionID = id
	}
	res := &Result{SessionID: sess.id, ProviderSessionID: sess.providerSessionID, PID: sess.pid}
	sess.mu.Unlock()
	sess.initOnce.Do(func() { close(sess.initCh) })

	go s.pumpInteractive(sess, is)

	s.logger.Info("interactive session running",
		zap.String("session_id", sess.id),
		zap.String("agent_id", sess.agentID),
		zap.Int("pid", res.PID))
	return res, nil
}

func (s *Spawner) get(sessionID string) (*spawnedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, entity.NewNotFoundError("session", sessionID)
	}
	return sess, nil
}

// On subscribes a handler to one per-session event. The returned cancel
// closure is safe to call more than once.
func (s *Spawner) On(sessionID, event string, h Handler) (func(), error) {
	sess, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.bus.subscribe(event, h), nil
}

// TrackListeners subscribes a set of handlers and returns one cleanup
// closure that releases them together.
func (s *Spawner) TrackListeners(sessionID string, handlers map[string]Handler) (func(), error) {
	sess, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	set := &ListenerSet{}
	for event, h := range handlers {
		set.Add(sess.bus.subscribe(event, h))
	}
	return set.Release, nil
}

// Status returns the live status of one session.
func (s *Spawner) Status(sessionID string) (entity.SessionStatus, error) {
	sess, err := s.get(sessionID)
	if err != nil {
		return "", err
	}
	return sess.currentStatus(), nil
}

// ProviderSessionID returns the provider's id for a session, or "" while
// undiscovered.
func (s *Spawner) ProviderSessionID(sessionID string) (string, error) {
	sess, err := s.get(sessionID)
	if err != nil {
		return "", err
	}
	return sess.currentProviderSessionID(), nil
}

// Sessions returns a snapshot of the in-memory table.
func (s *Spawner) Sessions() []Info {
	s.mu.Lock()
	entries := make([]*spawnedSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		entries = append(entries, sess)
	}
	s.mu.Unlock()

	out := make([]Info, len(entries))
	for i, sess := range entries {
		out[i] = sess.snapshot()
	}
	return out
}

// SendMessage forwards one structured user message to a headless session.
func (s *Spawner) SendMessage(sessionID, content string) error {
	sess, err := s.get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	hs := sess.headless
	sess.mu.Unlock()
	if hs == nil {
		return fmt.Errorf("%w: %s", ErrNotHeadless, sessionID)
	}
	return hs.SendMessage(content)
}

// WriteInput sends keystrokes to an interactive session's terminal.
func (s *Spawner) WriteInput(sessionID string, data []byte) error {
	sess, err := s.get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	is := sess.interactive
	sess.mu.Unlock()
	if is == nil {
		return fmt.Errorf("%w: %s", ErrNotInteractive, sessionID)
	}
	return is.Write(data)
}

// ResizeTerminal changes an interactive session's terminal dimensions.
func (s *Spawner) ResizeTerminal(sessionID string, cols, rows int) error {
	sess, err := s.get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	is := sess.interactive
	sess.mu.Unlock()
	if is == nil {
		return fmt.Errorf("%w: %s", ErrNotInteractive, sessionID)
	}
	return is.Resize(cols, rows)
}

// Interrupt stops the session's current operation without changing its
// status: a control request for headless sessions, the escape key for
// interactive ones.
func (s *Spawner) Interrupt(ctx context.Context, sessionID string) error {
	sess, err := s.get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	hs, is := sess.headless, sess.interactive
	sess.mu.Unlock()

	switch {
	case hs != nil:
		if err := hs.Interrupt(ctx); err != nil {
			return err
		}
	case is != nil:
		if err := is.Write([]byte{0x1b}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("session %s has no live process", sessionID)
	}
	sess.bus.emit(EventInterrupt, nil)
	return nil
}

// Suspend closes the child while keeping the table entry, so the
// provider session can be resumed later. Only running sessions suspend.
func (s *Spawner) Suspend(sessionID string) error {
	sess, err := s.get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.status != entity.SessionRunning {
		allowed := entity.AllowedSessionTransitions(sess.status)
		names := make([]string, len(allowed))
		for i, a := range allowed {
			names[i] = string(a)
		}
		invalid := &entity.InvalidStatusError{
			From:    string(sess.status),
			To:      string(entity.SessionSuspended),
			Allowed: names,
		}
		sess.mu.Unlock()
		return invalid
	}
	sess.status = entity.SessionSuspended
	hs, is := sess.headless, sess.interactive
	sess.headless, sess.interactive = nil, nil
	sess.mu.Unlock()

	if hs != nil {
		_ = hs.Close()
	}
	if is != nil {
		_ = is.Kill()
	}
	s.logger.Info("session suspended",
		zap.String("session_id", sessionID),
		zap.String("provider_session_id", sess.currentProviderSessionID()))
	return nil
}

// Terminate ends a session. Graceful termination passes through the
// terminating status; both variants close the child and let its pump
// emit the final exit event. Already-terminated sessions are a no-op.
func (s *Spawner) Terminate(sessionID string, graceful bool) error {
	sess, err := s.get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	switch sess.status {
	case entity.SessionTerminated:
		sess.mu.Unlock()
		return nil
	case entity.SessionSuspended:
		// No live child to close; settle the record directly.
		sess.status = entity.SessionTerminated
		sess.mu.Unlock()
		sess.endOnce.Do(func() { close(sess.endCh) })
		sess.bus.emit(EventExit, ExitNotice{Code: 0})
		s.scheduleRemoval(sess)
		return nil
	}
	if graceful {
		sess.status = entity.SessionTerminating
	}
	hs, is := sess.headless, sess.interactive
	sess.mu.Unlock()

	if hs != nil {
		_ = hs.Close()
		return nil
	}
	if is != nil {
		_ = is.Kill()
		return nil
	}
	s.finish(sess, ExitNotice{Code: 0})
	return nil
}

// ReadyQueueOptions configures a ready-queue check on agent startup.
type ReadyQueueOptions struct {
	Limit     int
	AutoStart bool
	// GetReadyTasks loads the agent's ready tasks in dispatch order.
	GetReadyTasks func(ctx context.Context, agentID string, limit int) ([]*entity.Task, error)
}

// CheckReadyQueue returns the highest-priority ready task for an agent,
// or nil when the queue is empty. Task status is never mutated here;
// callers opting into AutoStart drive the transition through task
// assignment themselves so status changes stay linear.
func (s *Spawner) CheckReadyQueue(ctx context.Context, agentID string, opts ReadyQueueOptions) (*entity.Task, error) {
	if opts.GetReadyTasks == nil {
		return nil, &entity.InvalidArgumentsError{Msg: "checkReadyQueue requires GetReadyTasks"}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	tasks, err := opts.GetReadyTasks(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("load ready tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	top := tasks[0]
	s.logger.Debug("ready queue check",
		zap.String("agent_id", agentID),
		zap.Int("ready", len(tasks)),
		zap.String("top_task", top.ID),
		zap.Bool("auto_start", opts.AutoStart))
	return top, nil
}

// removeEntry drops a table entry if it still maps to this session.
func (s *Spawner) removeEntry(sess *spawnedSession) {
	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
}

// scheduleRemoval drops the entry after the cleanup delay so late
// consumers can still inspect the final state.
func (s *Spawner) scheduleRemoval(sess *spawnedSession) {
	time.AfterFunc(s.config.CleanupDelay, func() {
		s.removeEntry(sess)
	})
}
