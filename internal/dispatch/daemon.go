package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/metrics"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
	"github.com/stoneforge-ai/stoneforge/internal/ratelimit"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/spawn"
	"github.com/stoneforge-ai/stoneforge/internal/telemetry"
	"github.com/stoneforge-ai/stoneforge/internal/worktree"
)

// DaemonConfig holds dispatch daemon settings.
type DaemonConfig struct {
	// PollInterval is the cycle cadence.
	PollInterval time.Duration
	// MaxPerTick bounds dispatch attempts within one cycle.
	MaxPerTick int
	// ShutdownTimeout bounds how long Stop waits for an in-flight cycle.
	ShutdownTimeout time.Duration
}

// DefaultDaemonConfig returns the daemon defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		PollInterval:    5 * time.Second,
		MaxPerTick:      10,
		ShutdownTimeout: 10 * time.Second,
	}
}

// SessionLauncher is the session-manager surface the daemon drives.
type SessionLauncher interface {
	StartSession(ctx context.Context, agentID string, opts session.StartOptions) (*entity.Session, error)
	StopSession(ctx context.Context, sessionID string, graceful bool) (*entity.Session, error)
	TrackListeners(sessionID string, handlers map[string]spawn.Handler) (func(), error)
}

// PromptRecorder mirrors dispatched prompts into the agent's channel.
type PromptRecorder interface {
	RecordMessage(ctx context.Context, agentID, role, content string) error
}

// WorktreeAllocator hands out isolated per-task working directories.
type WorktreeAllocator interface {
	Acquire(ctx context.Context, taskID string) (*worktree.Worktree, error)
	Release(ctx context.Context, taskID string) error
}

// DaemonStatus is the daemon's observable state for the status API.
type DaemonStatus struct {
	Running      bool      `json:"running"`
	LastCycleAt  time.Time `json:"lastCycleAt,omitzero"`
	LiveSessions int       `json:"liveSessions"`
}

// Daemon polls the dispatch service and starts a session for every
// decision, watching each started session until it settles.
type Daemon struct {
	service   *Service
	board     TaskBoard
	sessions  SessionLauncher
	recorder  PromptRecorder
	tracker   *ratelimit.Tracker
	metrics   *metrics.Metrics
	worktrees WorktreeAllocator
	logger    *logger.Logger
	config    DaemonConfig

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	lastCycleAt time.Time
	live        map[string]*liveSession
	wg          sync.WaitGroup
	inFlight    atomic.Bool
}

// NewDaemon creates a dispatch daemon. The recorder, tracker, and
// metrics may be nil.
func NewDaemon(svc *Service, board TaskBoard, sessions SessionLauncher, recorder PromptRecorder, tracker *ratelimit.Tracker, m *metrics.Metrics, log *logger.Logger, cfg DaemonConfig) *Daemon {
	def := DefaultDaemonConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = def.MaxPerTick
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return &Daemon{
		service:  svc,
		board:    board,
		sessions: sessions,
		recorder: recorder,
		tracker:  tracker,
		metrics:  m,
		logger:   log.WithFields(zap.String("component", "dispatch-daemon")),
		config:   cfg,
		live:     make(map[string]*liveSession),
	}
}

// SetWorktreeAllocator enables per-task worktree isolation. Dispatched
// sessions run inside the task's worktree, released when the session
// settles. Must be called before Start.
func (d *Daemon) SetWorktreeAllocator(alloc WorktreeAllocator) {
	d.worktrees = alloc
}

// Start launches the polling loop. Starting a running daemon is a no-op.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.processLoop(ctx)
	d.logger.Info("dispatch daemon started",
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Int("max_per_tick", d.config.MaxPerTick))
	return nil
}

// Stop halts the loop and waits for an in-flight cycle up to the
// shutdown timeout. Stopping a stopped daemon is a no-op.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatch daemon stopped")
	case <-time.After(d.config.ShutdownTimeout):
		d.logger.Warn("dispatch daemon stop timed out with a cycle in flight")
	}
}

// IsRunning reports whether the loop is active.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Status reports the daemon's observable state.
func (d *Daemon) Status() DaemonStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DaemonStatus{
		Running:      d.running,
		LastCycleAt:  d.lastCycleAt,
		LiveSessions: len(d.live),
	}
}

// TickNow runs one dispatch cycle immediately and returns how many
// sessions it started. A cycle already in flight makes this a no-op.
func (d *Daemon) TickNow(ctx context.Context) int {
	return d.runCycle(ctx)
}

func (d *Daemon) processLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

// runCycle dispatches until the board is drained or the per-tick bound
// is hit. Only one cycle runs at a time; overlapping ticks are skipped.
func (d *Daemon) runCycle(ctx context.Context) int {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.logger.Debug("dispatch cycle still in flight, tick skipped")
		return 0
	}
	defer d.inFlight.Store(false)

	ctx, span := telemetry.Tracer("dispatch").Start(ctx, "dispatch.cycle")
	defer span.End()

	started := 0
	for attempts := 0; attempts < d.config.MaxPerTick; attempts++ {
		decision, err := d.service.Dispatch(ctx)
		if err != nil {
			d.logger.Warn("dispatch step failed", zap.Error(err))
			break
		}
		if decision == nil {
			break
		}
		if err := d.act(ctx, decision); err != nil {
			d.metrics.DispatchFailure()
			d.logger.Warn("dispatch decision failed",
				zap.String("task_id", decision.Task.ID),
				zap.String("agent_id", decision.Agent.ID),
				zap.Error(err))
			continue
		}
		started++
	}

	d.mu.Lock()
	d.lastCycleAt = time.Now()
	d.mu.Unlock()
	d.metrics.DispatchCycle(started)
	if started > 0 {
		d.logger.Info("dispatch cycle completed", zap.Int("sessions_started", started))
	}
	return started
}

// act pins the task to the chosen agent, starts a session for it, and
// attaches the listeners that settle the outcome. A spawn failure
// unassigns the task so it returns to the pool on the next tick; the
// session manager has already settled the record.
func (d *Daemon) act(ctx context.Context, decision *Decision) error {
	task, agent := decision.Task, decision.Agent
	if task.Assignee != agent.ID {
		if _, err := d.board.AssignToAgent(ctx, task.ID, agent.ID); err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
	}
	if task.Status != entity.TaskStatusInProgress {
		if _, err := d.board.StartTask(ctx, task.ID); err != nil {
			if _, uerr := d.board.UnassignTask(ctx, task.ID); uerr != nil {
				d.logger.Warn("failed to unassign task after start error",
					zap.String("task_id", task.ID), zap.Error(uerr))
			}
			return fmt.Errorf("start task: %w", err)
		}
	}

	var workingDir string
	if d.worktrees != nil {
		wt, err := d.worktrees.Acquire(ctx, task.ID)
		if err != nil {
			if _, uerr := d.board.UnassignTask(ctx, task.ID); uerr != nil {
				d.logger.Warn("failed to unassign task after worktree error",
					zap.String("task_id", task.ID), zap.Error(uerr))
			}
			return fmt.Errorf("acquire worktree: %w", err)
		}
		workingDir = wt.Path
	}

	prompt := promptForTask(task)
	rec, err := d.sessions.StartSession(ctx, agent.ID, session.StartOptions{
		Mode:             entity.ModeHeadless,
		TaskID:           task.ID,
		WorkingDirectory: workingDir,
		InitialPrompt:    prompt,
	})
	if err != nil {
		d.releaseWorktree(task.ID)
		if _, uerr := d.board.UnassignTask(ctx, task.ID); uerr != nil {
			d.logger.Warn("failed to unassign task after spawn error",
				zap.String("task_id", task.ID), zap.Error(uerr))
		}
		return fmt.Errorf("start session: %w", err)
	}

	d.metrics.SessionStarted(rec.Provider)
	if d.recorder != nil {
		if err := d.recorder.RecordMessage(ctx, agent.ID, "user", prompt); err != nil {
			d.logger.Warn("failed to record dispatch prompt",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	d.logger.Info("task dispatched",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agent.ID),
		zap.String("session_id", rec.ID))
	return d.watch(rec)
}

// liveSession is one dispatched session the daemon is waiting on.
type liveSession struct {
	sessionID string
	taskID    string
	provider  string
	startedAt time.Time

	mu      sync.Mutex
	settled bool
	usage   provider.Usage
	release func()
}

func (l *liveSession) recordUsage(u *provider.Usage) {
	if u == nil {
		return
	}
	l.mu.Lock()
	l.usage = *u
	l.mu.Unlock()
}

// watch subscribes the daemon to a started session. A result message
// settles the outcome and terminates the session gracefully; the exit
// event is the fallback classifier when no result arrives. The handler
// set is tracked as one unit so an exit always releases it.
func (d *Daemon) watch(rec *entity.Session) error {
	live := &liveSession{
		sessionID: rec.ID,
		taskID:    rec.TaskID,
		provider:  rec.Provider,
		startedAt: time.Now(),
	}
	handlers := map[string]spawn.Handler{
		spawn.EventMessage: func(payload any) {
			msg, ok := payload.(*provider.AgentMessage)
			if !ok || msg.Type != provider.MessageResult {
				return
			}
			live.recordUsage(msg.Usage)
			outcome := metrics.OutcomeCompleted
			if msg.IsError {
				outcome = metrics.OutcomeFailed
			}
			d.settle(live, outcome)
			go func() {
				if _, err := d.sessions.StopSession(context.Background(), live.sessionID, true); err != nil {
					d.logger.Warn("failed to stop finished session",
						zap.String("session_id", live.sessionID), zap.Error(err))
				}
			}()
		},
		spawn.EventExit: func(payload any) {
			notice, ok := payload.(spawn.ExitNotice)
			outcome := metrics.OutcomeFailed
			if ok && notice.Code == 0 {
				outcome = metrics.OutcomeCompleted
			}
			d.settle(live, outcome)
		},
		spawn.EventRateLimited: func(payload any) {
			notice, ok := payload.(spawn.RateLimitNotice)
			if !ok || d.tracker == nil {
				return
			}
			d.tracker.SetLimited(notice.ExecutablePath, notice.ResetsAt)
		},
	}
	release, err := d.sessions.TrackListeners(rec.ID, handlers)
	if err != nil {
		return fmt.Errorf("track session listeners: %w", err)
	}

	d.mu.Lock()
	d.live[rec.ID] = live
	d.mu.Unlock()

	// The session may have settled between attaching the handlers and
	// storing the release closure; release here since settle could not.
	live.mu.Lock()
	live.release = release
	settled := live.settled
	live.mu.Unlock()
	if settled {
		d.mu.Lock()
		delete(d.live, rec.ID)
		d.mu.Unlock()
		release()
	}
	return nil
}

// settle records the session's metrics exactly once and drops it from
// the live table.
func (d *Daemon) settle(live *liveSession, outcome string) {
	live.mu.Lock()
	if live.settled {
		live.mu.Unlock()
		return
	}
	live.settled = true
	usage := live.usage
	release := live.release
	live.release = nil
	live.mu.Unlock()

	duration := time.Since(live.startedAt)
	d.metrics.SessionSettled(live.provider, outcome, duration, usage.InputTokens, usage.OutputTokens)
	d.logger.Info("dispatched session settled",
		zap.String("session_id", live.sessionID),
		zap.String("task_id", live.taskID),
		zap.String("provider", live.provider),
		zap.String("outcome", outcome),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Int64("duration_ms", duration.Milliseconds()))

	d.mu.Lock()
	delete(d.live, live.sessionID)
	d.mu.Unlock()
	if release != nil {
		release()
	}
	d.releaseWorktree(live.taskID)
}

// releaseWorktree returns a task's worktree to the allocator, if one is
// configured.
func (d *Daemon) releaseWorktree(taskID string) {
	if d.worktrees == nil || taskID == "" {
		return
	}
	if err := d.worktrees.Release(context.Background(), taskID); err != nil {
		d.logger.Warn("failed to release worktree",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// promptForTask renders the kickoff prompt for a dispatched task.
func promptForTask(task *entity.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are assigned task %s: %s.\n", task.ID, task.Title)
	if task.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nAcceptance criteria:\n%s\n", task.AcceptanceCriteria)
	}
	if task.DescriptionRef != "" {
		fmt.Fprintf(&b, "\nThe full description lives in document %s.\n", task.DescriptionRef)
	}
	b.WriteString("\nWork the task to completion and close it when the acceptance criteria are met.")
	return b.String()
}
