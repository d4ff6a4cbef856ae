// Package steward schedules maintenance agents. Stewards fire on cron
// schedules or on published events guarded by sandboxed conditions, and
// every firing runs through an injected executor with a bounded timeout.
package steward

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/expr-lang/expr/vm"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/metrics"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
	"github.com/stoneforge-ai/stoneforge/internal/ratelimit"
	"github.com/stoneforge-ai/stoneforge/internal/store"
	"github.com/stoneforge-ai/stoneforge/internal/telemetry"
)

// Trigger source names recorded on executions.
const (
	TriggerSourceCron   = "cron"
	TriggerSourceEvent  = "event"
	TriggerSourceManual = "manual"
)

// Config holds steward scheduler configuration.
type Config struct {
	// ExecutionTimeout bounds one steward run.
	ExecutionTimeout time.Duration
	// HistoryLimit caps the per-steward execution ring buffer.
	HistoryLimit int
	// TickInterval is the cadence of the due-job check.
	TickInterval time.Duration
	// StartImmediately registers every stored steward on Start.
	StartImmediately bool
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		ExecutionTimeout: 5 * time.Minute,
		HistoryLimit:     100,
		TickInterval:     15 * time.Second,
	}
}

// ExecutionContext describes why a steward is being run.
type ExecutionContext struct {
	StewardID string
	Trigger   string
	Event     string
	Payload   map[string]any
	FiredAt   time.Time
}

// ExecutionResult is what an executor reports back for one run.
type ExecutionResult struct {
	Success        bool
	Output         string
	Error          string
	ItemsProcessed int
	DurationMS     int64
}

// ExecutorFunc runs one steward firing. Implementations must honor the
// context deadline.
type ExecutorFunc func(ctx context.Context, steward *entity.Agent, run ExecutionContext) (*ExecutionResult, error)

// Execution is one recorded steward run.
type Execution struct {
	ID             string    `json:"id"`
	StewardID      string    `json:"stewardId"`
	Trigger        string    `json:"trigger"`
	Event          string    `json:"event,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt"`
	Success        bool      `json:"success"`
	Output         string    `json:"output,omitempty"`
	Error          string    `json:"error,omitempty"`
	ItemsProcessed int       `json:"itemsProcessed,omitempty"`
	DurationMS     int64     `json:"durationMs"`
}

// CronJobInfo is a snapshot of one installed cron job.
type CronJobInfo struct {
	StewardID string    `json:"stewardId"`
	Schedule  string    `json:"schedule"`
	NextFire  time.Time `json:"nextFire"`
}

// SubscriptionInfo is a snapshot of one installed event subscription.
type SubscriptionInfo struct {
	StewardID string `json:"stewardId"`
	Event     string `json:"event"`
	Condition string `json:"condition,omitempty"`
}

type cronJob struct {
	stewardID string
	schedule  string
	parsed    *cronSchedule
	nextFire  time.Time
}

type eventSub struct {
	stewardID string
	event     string
	condition string
	program   *vm.Program
}

// matches tests the subscription's condition against an event payload.
func (sub *eventSub) matches(payload map[string]any) bool {
	if sub.condition == "" {
		return true
	}
	return runCondition(sub.program, payload)
}

// Scheduler installs steward triggers and drives their executions.
type Scheduler struct {
	store     store.Store
	executor  ExecutorFunc
	tracker   *ratelimit.Tracker
	providers *provider.Registry
	eventBus  bus.EventBus
	metrics   *metrics.Metrics
	logger    *logger.Logger
	config    Config

	mu       sync.RWMutex
	cronJobs map[string][]*cronJob
	subs     map[string][]*eventSub
	history  map[string][]*Execution
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a steward scheduler. The tracker, provider
// registry, event bus, and metrics may be nil.
func NewScheduler(st store.Store, executor ExecutorFunc, tracker *ratelimit.Tracker, providers *provider.Registry, eventBus bus.EventBus, m *metrics.Metrics, log *logger.Logger, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	return &Scheduler{
		store:     st,
		executor:  executor,
		tracker:   tracker,
		providers: providers,
		eventBus:  eventBus,
		metrics:   m,
		logger:    log.WithFields(zap.String("component", "steward-scheduler")),
		config:    cfg,
		cronJobs:  make(map[string][]*cronJob),
		subs:      make(map[string][]*eventSub),
		history:   make(map[string][]*Execution),
	}
}

// Start launches the due-job loop. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.config.StartImmediately {
		if _, err := s.RegisterAllStewards(ctx); err != nil {
			s.logger.Warn("failed to register stored stewards", zap.Error(err))
		}
	}

	s.wg.Add(1)
	go s.processLoop(ctx)
	s.logger.Info("steward scheduler started",
		zap.Duration("tick_interval", s.config.TickInterval))
	return nil
}

// Stop halts the loop and waits for in-flight executions. Stopping a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("steward scheduler stopped")
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fireDueCronJobs(ctx, time.Now())
		}
	}
}

// RegisterSteward reads the agent's triggers and installs one cron job
// per cron trigger and one subscription per event trigger. Invalid
// schedules and malformed conditions skip their trigger with a warning.
// Re-registering replaces the steward's previous installation.
func (s *Scheduler) RegisterSteward(ctx context.Context, stewardID string) error {
	agent, err := s.store.GetAgent(ctx, stewardID)
	if err != nil {
		return err
	}
	if agent.Role != entity.RoleSteward {
		return &entity.InvalidArgumentsError{Msg: fmt.Sprintf("agent %s has role %s, not steward", stewardID, agent.Role)}
	}

	now := time.Now()
	var jobs []*cronJob
	var subs []*eventSub
	for i, tr := range agent.Triggers() {
		switch tr.Type {
		case entity.TriggerCron:
			parsed, err := parseCron(tr.Schedule)
			if err != nil {
				s.logger.Warn("invalid cron schedule, trigger skipped",
					zap.String("steward_id", stewardID),
					zap.Int("trigger", i),
					zap.String("schedule", tr.Schedule),
					zap.Error(err))
				continue
			}
			next, ok := parsed.next(now)
			if !ok {
				s.logger.Warn("cron schedule never fires, trigger skipped",
					zap.String("steward_id", stewardID),
					zap.String("schedule", tr.Schedule))
				continue
			}
			jobs = append(jobs, &cronJob{
				stewardID: stewardID,
				schedule:  tr.Schedule,
				parsed:    parsed,
				nextFire:  next,
			})
		case entity.TriggerEvent:
			sub := &eventSub{stewardID: stewardID, event: tr.Event, condition: tr.Condition}
			if tr.Condition != "" {
				program, err := compileCondition(tr.Condition)
				if err != nil {
					s.logger.Warn("trigger condition rejected, it will never match",
						zap.String("steward_id", stewardID),
						zap.String("event", tr.Event),
						zap.String("condition", tr.Condition),
						zap.Error(err))
				} else {
					sub.program = program
				}
			}
			subs = append(subs, sub)
		default:
			s.logger.Warn("unknown trigger type skipped",
				zap.String("steward_id", stewardID),
				zap.String("type", string(tr.Type)))
		}
	}

	s.mu.Lock()
	s.removeStewardLocked(stewardID)
	if len(jobs) > 0 {
		s.cronJobs[stewardID] = jobs
	}
	for _, sub := range subs {
		s.subs[sub.event] = append(s.subs[sub.event], sub)
	}
	s.mu.Unlock()

	s.logger.Info("steward registered",
		zap.String("steward_id", stewardID),
		zap.String("name", agent.Name),
		zap.Int("cron_jobs", len(jobs)),
		zap.Int("event_subscriptions", len(subs)))
	return nil
}

// UnregisterSteward removes the steward's jobs and subscriptions.
func (s *Scheduler) UnregisterSteward(stewardID string) {
	s.mu.Lock()
	s.removeStewardLocked(stewardID)
	s.mu.Unlock()
}

func (s *Scheduler) removeStewardLocked(stewardID string) {
	delete(s.cronJobs, stewardID)
	for event, subs := range s.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.stewardID != stewardID {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(s.subs, event)
		} else {
			s.subs[event] = kept
		}
	}
}

// RegisterAllStewards installs every stored steward agent and returns
// how many registered.
func (s *Scheduler) RegisterAllStewards(ctx context.Context) (int, error) {
	stewards, err := s.store.ListAgents(ctx, store.AgentFilter{Role: entity.RoleSteward})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, steward := range stewards {
		if err := s.RegisterSteward(ctx, steward.ID); err != nil {
			s.logger.Warn("failed to register steward",
				zap.String("steward_id", steward.ID),
				zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// PublishEvent tests every subscription for the event and executes the
// matching stewards asynchronously. It returns the number triggered.
func (s *Scheduler) PublishEvent(ctx context.Context, event string, payload map[string]any) int {
	s.mu.RLock()
	subs := append([]*eventSub(nil), s.subs[event]...)
	s.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, sub := range subs {
		if !sub.matches(payload) {
			continue
		}
		steward, err := s.store.GetAgent(ctx, sub.stewardID)
		if err != nil {
			s.logger.Warn("subscribed steward no longer loads",
				zap.String("steward_id", sub.stewardID),
				zap.Error(err))
			continue
		}
		if s.rateLimited(steward, now) {
			s.logger.Warn("steward skipped, executable is rate limited",
				zap.String("steward_id", steward.ID),
				zap.String("event", event))
			continue
		}
		count++
		s.fire(steward, ExecutionContext{
			StewardID: steward.ID,
			Trigger:   TriggerSourceEvent,
			Event:     event,
			Payload:   payload,
			FiredAt:   now,
		})
	}
	return count
}

// ExecuteSteward runs a steward directly, outside its triggers. The run
// is synchronous and bypasses the rate-limit gate.
func (s *Scheduler) ExecuteSteward(ctx context.Context, stewardID string) (*Execution, error) {
	steward, err := s.store.GetAgent(ctx, stewardID)
	if err != nil {
		return nil, err
	}
	if steward.Role != entity.RoleSteward {
		return nil, &entity.InvalidArgumentsError{Msg: fmt.Sprintf("agent %s has role %s, not steward", stewardID, steward.Role)}
	}
	return s.runSteward(steward, ExecutionContext{
		StewardID: stewardID,
		Trigger:   TriggerSourceManual,
		FiredAt:   time.Now(),
	}), nil
}

// History returns the steward's recorded executions, oldest first.
func (s *Scheduler) History(stewardID string) []*Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Execution, len(s.history[stewardID]))
	copy(out, s.history[stewardID])
	return out
}

// CronJobs returns a snapshot of the installed cron jobs.
func (s *Scheduler) CronJobs() []CronJobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CronJobInfo
	for _, jobs := range s.cronJobs {
		for _, job := range jobs {
			out = append(out, CronJobInfo{
				StewardID: job.stewardID,
				Schedule:  job.schedule,
				NextFire:  job.nextFire,
			})
		}
	}
	return out
}

// Subscriptions returns a snapshot of the installed event subscriptions.
func (s *Scheduler) Subscriptions() []SubscriptionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SubscriptionInfo
	for _, subs := range s.subs {
		for _, sub := range subs {
			out = append(out, SubscriptionInfo{
				StewardID: sub.stewardID,
				Event:     sub.event,
				Condition: sub.condition,
			})
		}
	}
	return out
}

// fireDueCronJobs executes every job whose next fire time has passed and
// reschedules it.
func (s *Scheduler) fireDueCronJobs(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*cronJob
	for _, jobs := range s.cronJobs {
		for _, job := range jobs {
			if job.nextFire.IsZero() || now.Before(job.nextFire) {
				continue
			}
			due = append(due, job)
			if next, ok := job.parsed.next(now); ok {
				job.nextFire = next
			} else {
				job.nextFire = time.Time{}
			}
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		steward, err := s.store.GetAgent(ctx, job.stewardID)
		if err != nil {
			s.logger.Warn("scheduled steward no longer loads",
				zap.String("steward_id", job.stewardID),
				zap.Error(err))
			continue
		}
		if s.rateLimited(steward, now) {
			s.logger.Warn("cron firing skipped, executable is rate limited",
				zap.String("steward_id", steward.ID),
				zap.String("schedule", job.schedule))
			continue
		}
		s.fire(steward, ExecutionContext{
			StewardID: steward.ID,
			Trigger:   TriggerSourceCron,
			FiredAt:   now,
		})
	}
}

// fire runs the steward on its own goroutine, tracked so Stop can wait.
func (s *Scheduler) fire(steward *entity.Agent, run ExecutionContext) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSteward(steward, run)
	}()
}

func (s *Scheduler) runSteward(steward *entity.Agent, run ExecutionContext) *Execution {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ExecutionTimeout)
	defer cancel()

	ctx, span := telemetry.Tracer("steward").Start(ctx, "steward.execution")
	defer span.End()

	exec := &Execution{
		ID:        entity.NewID("exec"),
		StewardID: steward.ID,
		Trigger:   run.Trigger,
		Event:     run.Event,
		StartedAt: entity.Now(),
	}
	s.publishExecutionEvent(ctx, events.StewardExecutionStarted, exec)
	s.logger.Info("steward execution started",
		zap.String("steward_id", steward.ID),
		zap.String("execution_id", exec.ID),
		zap.String("trigger", run.Trigger),
		zap.String("event", run.Event))

	started := time.Now()
	result, err := s.executor(ctx, steward, run)
	exec.EndedAt = entity.Now()
	exec.DurationMS = time.Since(started).Milliseconds()

	switch {
	case err != nil:
		exec.Success = false
		exec.Error = err.Error()
	case result != nil:
		exec.Success = result.Success
		exec.Output = result.Output
		exec.Error = result.Error
		exec.ItemsProcessed = result.ItemsProcessed
		if result.DurationMS > 0 {
			exec.DurationMS = result.DurationMS
		}
	default:
		exec.Success = false
		exec.Error = "executor returned no result"
	}

	s.record(exec)
	s.metrics.StewardExecution(exec.Success)
	if exec.Success {
		s.publishExecutionEvent(ctx, events.StewardExecutionCompleted, exec)
		s.logger.Info("steward execution completed",
			zap.String("steward_id", steward.ID),
			zap.String("execution_id", exec.ID),
			zap.Int("items_processed", exec.ItemsProcessed),
			zap.Int64("duration_ms", exec.DurationMS))
	} else {
		s.publishExecutionEvent(ctx, events.StewardExecutionFailed, exec)
		s.logger.Warn("steward execution failed",
			zap.String("steward_id", steward.ID),
			zap.String("execution_id", exec.ID),
			zap.String("error", exec.Error))
	}
	return exec
}

// record appends to the steward's ring buffer, discarding the oldest
// entries past the history limit.
func (s *Scheduler) record(exec *Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[exec.StewardID], exec)
	if len(h) > s.config.HistoryLimit {
		h = h[len(h)-s.config.HistoryLimit:]
	}
	s.history[exec.StewardID] = h
}

// rateLimited reports whether the steward's executable sits inside a
// recorded rate-limit window.
func (s *Scheduler) rateLimited(steward *entity.Agent, now time.Time) bool {
	if s.tracker == nil {
		return false
	}
	exe := s.resolveExecutable(steward)
	if exe == "" {
		return false
	}
	return s.tracker.IsLimited(exe, now)
}

// resolveExecutable picks the steward's executable override, falling
// back to its provider's executable.
func (s *Scheduler) resolveExecutable(steward *entity.Agent) string {
	if exe := steward.Executable(); exe != "" {
		return exe
	}
	if s.providers == nil {
		return ""
	}
	prov, err := s.providers.Get(steward.Provider())
	if err != nil {
		return ""
	}
	return prov.Executable()
}

func (s *Scheduler) publishExecutionEvent(ctx context.Context, eventType string, exec *Execution) {
	if s.eventBus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "steward-scheduler", map[string]any{
		"steward_id":      exec.StewardID,
		"execution_id":    exec.ID,
		"trigger":         exec.Trigger,
		"event":           exec.Event,
		"success":         exec.Success,
		"items_processed": exec.ItemsProcessed,
		"duration_ms":     exec.DurationMS,
		"error":           exec.Error,
	})
	subject := events.BuildStewardSubject(eventType, exec.StewardID)
	if err := s.eventBus.Publish(ctx, subject, ev); err != nil {
		s.logger.Warn("failed to publish steward event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
