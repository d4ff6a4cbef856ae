// Package main is the unified Stoneforge daemon. One binary hosts the
// store, the dispatch daemon, the steward scheduler, the external sync
// daemon, and the status API over shared infrastructure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/api"
	"github.com/stoneforge-ai/stoneforge/internal/assignment"
	"github.com/stoneforge-ai/stoneforge/internal/common/config"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/dispatch"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/extsync"
	"github.com/stoneforge-ai/stoneforge/internal/metrics"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
	"github.com/stoneforge-ai/stoneforge/internal/provider/claude"
	"github.com/stoneforge-ai/stoneforge/internal/ratelimit"
	"github.com/stoneforge-ai/stoneforge/internal/registry"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/spawn"
	"github.com/stoneforge-ai/stoneforge/internal/steward"
	"github.com/stoneforge-ai/stoneforge/internal/store"
	"github.com/stoneforge-ai/stoneforge/internal/telemetry"
	"github.com/stoneforge-ai/stoneforge/internal/workspace"
	"github.com/stoneforge-ai/stoneforge/internal/worktree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting stoneforged")

	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetry.Configure(cfg.Telemetry.OTLPEndpoint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Workspace. A missing workspace is initialized in place so first
	// run works without a separate init step.
	ws, err := workspace.Open(cfg.Workspace.Root)
	if err != nil {
		if ws, err = workspace.Init(cfg.Workspace.Root); err != nil {
			log.Fatal("failed to initialize workspace", zap.Error(err))
		}
		log.Info("workspace initialized", zap.String("root", ws.Root))
	}

	// Event bus: in-memory unless NATS is configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	// Store.
	var pool *db.Pool
	switch cfg.Database.Driver {
	case "postgres":
		pool, err = db.OpenPostgres(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	default:
		dbPath := cfg.Database.Path
		if dbPath == "" {
			dbPath = ws.DBPath()
		}
		pool, err = db.OpenSQLitePool(dbPath, time.Duration(cfg.Database.BusyTimeoutMs)*time.Millisecond)
	}
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	st, err := store.NewSQLStore(pool, cfg.Database.Driver)
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}
	defer st.Close()
	log.Info("store ready", zap.String("driver", cfg.Database.Driver))

	m := metrics.New()
	tracker := ratelimit.NewTracker()

	// Providers.
	providers := provider.NewRegistry()
	providers.Register(claude.New(cfg.Provider.Executable, log))

	// Core services.
	registrySvc := registry.NewService(st, eventBus, log)
	board := assignment.NewService(st, eventBus, log)
	spawner := spawn.New(providers, log, spawn.Config{
		SpawnTimeout: cfg.Spawner.SpawnTimeout(),
		CleanupDelay: cfg.Spawner.CleanupDelay(),
	})
	sessions := session.NewService(st, spawner, providers, registrySvc, eventBus, log, session.Config{
		StoneforgeRoot:          ws.Root,
		DefaultWorkingDirectory: ws.Root,
	})
	if n, err := sessions.RestoreFromStore(ctx); err != nil {
		log.Warn("session restore failed", zap.Error(err))
	} else if n > 0 {
		log.Info("stale sessions terminated", zap.Int("count", n))
	}

	// Dispatch.
	dispatchSvc := dispatch.NewService(board, registrySvc, sessions, tracker, providers, log)
	dispatchDaemon := dispatch.NewDaemon(dispatchSvc, board, sessions, registrySvc, tracker, m, log, dispatch.DaemonConfig{
		PollInterval:    cfg.Dispatch.PollInterval(),
		MaxPerTick:      cfg.Dispatch.MaxPerTick,
		ShutdownTimeout: cfg.Dispatch.ShutdownTimeout(),
	})
	if cfg.Worktree.Enabled {
		basePath := cfg.Worktree.BasePath
		if basePath == "" {
			basePath = ws.WorktreesPath()
		}
		trees, err := worktree.NewManager(worktree.Config{
			RepoPath:     ws.Root,
			BasePath:     basePath,
			BranchPrefix: cfg.Worktree.BranchPrefix,
		}, log)
		if err != nil {
			log.Fatal("failed to initialize worktree manager", zap.Error(err))
		}
		dispatchDaemon.SetWorktreeAllocator(trees)
		log.Info("worktree isolation enabled", zap.String("base_path", basePath))
	}
	if err := dispatchDaemon.Start(ctx); err != nil {
		log.Fatal("failed to start dispatch daemon", zap.Error(err))
	}

	// Stewards.
	scheduler := steward.NewScheduler(st, stewardExecutor(sessions, log), tracker, providers, eventBus, m, log, steward.Config{
		ExecutionTimeout: cfg.Steward.ExecutionTimeout(),
		HistoryLimit:     cfg.Steward.MaxHistoryPerSteward,
		StartImmediately: cfg.Steward.StartImmediately,
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("failed to start steward scheduler", zap.Error(err))
	}

	// External sync.
	syncEngine := extsync.NewEngine(st, board, &extsync.FieldMapper{}, eventBus, m, log, extsync.EngineConfig{
		RequestTimeout: cfg.Sync.RequestTimeout(),
	})
	syncDaemon := extsync.NewDaemon(syncEngine, log, extsync.DaemonConfig{
		Interval:        cfg.Sync.Interval(),
		ShutdownTimeout: cfg.Sync.ShutdownTimeout(),
	})
	if err := syncDaemon.Start(ctx); err != nil {
		log.Fatal("failed to start sync daemon", zap.Error(err))
	}

	// Status API.
	server := api.NewServer(cfg.Server, api.Deps{
		Store:    st,
		Dispatch: dispatchDaemon,
		Sync:     syncDaemon,
		Steward:  scheduler,
		Tracker:  tracker,
		Metrics:  m,
		Bus:      eventBus,
	}, log)
	server.Start()
	log.Info("stoneforged ready", zap.String("addr", server.Addr()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down stoneforged")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("api server shutdown error", zap.Error(err))
	}
	syncDaemon.Stop()
	scheduler.Stop()
	dispatchDaemon.Stop()

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown error", zap.Error(err))
	}
	log.Info("stoneforged stopped")
}

// stewardExecutor runs a steward firing as one headless session and
// waits for its result under the execution deadline.
func stewardExecutor(sessions *session.Service, log *logger.Logger) steward.ExecutorFunc {
	return func(ctx context.Context, agent *entity.Agent, run steward.ExecutionContext) (*steward.ExecutionResult, error) {
		start := time.Now()
		rec, err := sessions.StartSession(ctx, agent.ID, session.StartOptions{
			Mode:          entity.ModeHeadless,
			InitialPrompt: stewardPrompt(agent, run),
		})
		if err != nil {
			return nil, err
		}

		type outcome struct {
			success bool
			output  string
			errMsg  string
		}
		done := make(chan outcome, 1)
		report := func(o outcome) {
			select {
			case done <- o:
			default:
			}
		}
		release, err := sessions.TrackListeners(rec.ID, map[string]spawn.Handler{
			spawn.EventMessage: func(payload any) {
				msg, ok := payload.(*provider.AgentMessage)
				if !ok || msg.Type != provider.MessageResult {
					return
				}
				report(outcome{success: !msg.IsError, output: msg.Text, errMsg: msg.ErrMessage})
			},
			spawn.EventExit: func(payload any) {
				notice, ok := payload.(spawn.ExitNotice)
				if ok && notice.Code == 0 {
					report(outcome{success: true})
					return
				}
				report(outcome{errMsg: "steward session exited abnormally"})
			},
		})
		if err != nil {
			return nil, err
		}
		defer release()

		select {
		case <-ctx.Done():
			if _, err := sessions.StopSession(context.Background(), rec.ID, false); err != nil {
				log.Warn("failed to stop timed-out steward session",
					zap.String("session_id", rec.ID), zap.Error(err))
			}
			return &steward.ExecutionResult{
				Error:      "execution timed out",
				DurationMS: time.Since(start).Milliseconds(),
			}, nil
		case o := <-done:
			go func() {
				if _, err := sessions.StopSession(context.Background(), rec.ID, true); err != nil {
					log.Debug("failed to stop finished steward session",
						zap.String("session_id", rec.ID), zap.Error(err))
				}
			}()
			return &steward.ExecutionResult{
				Success:    o.success,
				Output:     o.output,
				Error:      o.errMsg,
				DurationMS: time.Since(start).Milliseconds(),
			}, nil
		}
	}
}

// stewardPrompt renders the kickoff prompt for a steward firing.
func stewardPrompt(agent *entity.Agent, run steward.ExecutionContext) string {
	prompt := fmt.Sprintf("You are steward %s. Trigger: %s.", agent.Name, run.Trigger)
	if run.Event != "" {
		prompt += fmt.Sprintf(" Event: %s.", run.Event)
	}
	prompt += " Perform your maintenance focus and report what you did."
	return prompt
}
