package extsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
)

// Daemon interval bounds. Configured intervals are clamped into this
// window so a bad config can neither hammer a provider nor stall sync.
const (
	MinInterval     = 10 * time.Second
	MaxInterval     = 30 * time.Minute
	DefaultInterval = 60 * time.Second
)

// DaemonConfig holds sync daemon settings.
type DaemonConfig struct {
	// Interval is the cycle cadence, clamped to [MinInterval, MaxInterval].
	Interval time.Duration
	// ShutdownTimeout bounds how long Stop waits for an in-flight cycle.
	ShutdownTimeout time.Duration
}

// DefaultDaemonConfig returns the daemon defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Interval:        DefaultInterval,
		ShutdownTimeout: 10 * time.Second,
	}
}

// ClampInterval forces an interval into the supported window. A zero or
// negative interval gets the default.
func ClampInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return DefaultInterval
	}
	if interval < MinInterval {
		return MinInterval
	}
	if interval > MaxInterval {
		return MaxInterval
	}
	return interval
}

// DaemonStatus is the daemon's observable state for the status API.
type DaemonStatus struct {
	Running     bool          `json:"running"`
	Interval    time.Duration `json:"interval"`
	LastCycleAt time.Time     `json:"lastCycleAt,omitzero"`
}

// Daemon wraps the engine in a single-flight poll loop. Ticks that land
// while a cycle is in flight are dropped, and a failing cycle never stops
// the loop.
type Daemon struct {
	engine *Engine
	logger *logger.Logger
	config DaemonConfig

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	lastCycleAt time.Time
	lastResult  *Result
	lastErr     error
	wg          sync.WaitGroup
	inFlight    atomic.Bool
}

// NewDaemon creates a sync daemon around the engine.
func NewDaemon(engine *Engine, log *logger.Logger, cfg DaemonConfig) *Daemon {
	def := DefaultDaemonConfig()
	cfg.Interval = ClampInterval(cfg.Interval)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return &Daemon{
		engine: engine,
		logger: log.WithFields(zap.String("component", "sync-daemon")),
		config: cfg,
	}
}

// Start launches the poll loop. Starting a running daemon is a no-op.
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
	d.logger.Info("sync daemon started", zap.Duration("interval", d.config.Interval))
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
		d.logger.Info("sync daemon stopped")
	case <-time.After(d.config.ShutdownTimeout):
		d.logger.Warn("sync daemon stop timed out with a cycle in flight")
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
		Running:     d.running,
		Interval:    d.config.Interval,
		LastCycleAt: d.lastCycleAt,
	}
}

// LastResult returns the most recent cycle's result and the error that
// aborted it, if any.
func (d *Daemon) LastResult() (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastResult, d.lastErr
}

// SyncNow runs one cycle immediately. A cycle already in flight makes
// this a no-op returning the previous result.
func (d *Daemon) SyncNow(ctx context.Context) (*Result, error) {
	d.runCycle(ctx)
	return d.LastResult()
}

func (d *Daemon) processLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.Interval)
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

// runCycle executes one engine sync, stores the result, and logs one
// summary line. Overlapping ticks are dropped.
func (d *Daemon) runCycle(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.logger.Debug("sync cycle still in flight, tick dropped")
		return
	}
	defer d.inFlight.Store(false)

	res, err := d.engine.Sync(ctx, Options{All: true})

	d.mu.Lock()
	d.lastCycleAt = time.Now()
	d.lastResult = res
	d.lastErr = err
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("sync cycle failed", zap.Error(err))
		return
	}
	d.logger.Info("sync cycle completed",
		zap.Int("pushed", res.Pushed),
		zap.Int("pulled", res.Pulled),
		zap.Int("skipped", res.Skipped),
		zap.Int("conflicts", res.Conflicts),
		zap.Int("errors", len(res.Errors)))
}
