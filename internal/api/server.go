// Package api exposes the core's status surface over HTTP: health,
// daemon state, sessions, agents, a manual dispatch tick, a websocket
// event feed, and the Prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/config"
	"github.com/stoneforge-ai/stoneforge/internal/common/httpmw"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/dispatch"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/extsync"
	"github.com/stoneforge-ai/stoneforge/internal/metrics"
	"github.com/stoneforge-ai/stoneforge/internal/ratelimit"
	"github.com/stoneforge-ai/stoneforge/internal/steward"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// Deps are the collaborators the server reads from. Everything except
// the store may be nil; absent collaborators simply drop out of the
// status payload.
type Deps struct {
	Store    store.Store
	Dispatch *dispatch.Daemon
	Sync     *extsync.Daemon
	Steward  *steward.Scheduler
	Tracker  *ratelimit.Tracker
	Metrics  *metrics.Metrics
	Bus      bus.EventBus
}

// Server is the status API server.
type Server struct {
	deps     Deps
	logger   *logger.Logger
	router   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
}

// NewServer builds the server and its routes.
func NewServer(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "api-server")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // status API binds to loopback by default
			},
		},
	}
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "stoneforge-api"))
	s.router.Use(httpmw.OtelTracing("stoneforge-api"))
	s.setupRoutes()

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 8424
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.router,
		ReadTimeout:  secondsOr(cfg.ReadTimeout, 15),
		WriteTimeout: secondsOr(cfg.WriteTimeout, 15),
	}
	return s
}

func secondsOr(s, def int) time.Duration {
	if s <= 0 {
		s = def
	}
	return time.Duration(s) * time.Second
}

// Router returns the HTTP handler, used directly by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	if reg := s.deps.Metrics.Registry(); reg != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/sessions", s.handleSessions)
		api.GET("/agents", s.handleAgents)
		api.POST("/dispatch/tick", s.handleDispatchTick)
		api.GET("/events/ws", s.handleEventsWS)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// statusResponse is the aggregate daemon snapshot.
type statusResponse struct {
	Dispatch  *dispatch.DaemonStatus `json:"dispatch,omitempty"`
	Sync      *syncStatus            `json:"sync,omitempty"`
	Steward   *stewardStatus         `json:"steward,omitempty"`
	RateLimit map[string]time.Time   `json:"rateLimit,omitempty"`
}

type syncStatus struct {
	extsync.DaemonStatus
	LastResult *extsync.Result `json:"lastResult,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
}

type stewardStatus struct {
	Running       bool                       `json:"running"`
	CronJobs      []steward.CronJobInfo      `json:"cronJobs"`
	Subscriptions []steward.SubscriptionInfo `json:"subscriptions"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{}
	if s.deps.Dispatch != nil {
		st := s.deps.Dispatch.Status()
		resp.Dispatch = &st
	}
	if s.deps.Sync != nil {
		st := &syncStatus{DaemonStatus: s.deps.Sync.Status()}
		if res, err := s.deps.Sync.LastResult(); res != nil || err != nil {
			st.LastResult = res
			if err != nil {
				st.LastError = err.Error()
			}
		}
		resp.Sync = st
	}
	if s.deps.Steward != nil {
		resp.Steward = &stewardStatus{
			Running:       s.deps.Steward.IsRunning(),
			CronJobs:      s.deps.Steward.CronJobs(),
			Subscriptions: s.deps.Steward.Subscriptions(),
		}
	}
	if s.deps.Tracker != nil {
		resp.RateLimit = s.deps.Tracker.Snapshot(time.Now())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSessions(c *gin.Context) {
	filter := store.SessionFilter{
		AgentID:    c.Query("agentId"),
		TaskID:     c.Query("taskId"),
		ActiveOnly: c.Query("active") == "true",
	}
	sessions, err := s.deps.Store.ListSessions(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleAgents(c *gin.Context) {
	filter := store.AgentFilter{Role: entity.AgentRole(c.Query("role"))}
	agents, err := s.deps.Store.ListAgents(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleDispatchTick(c *gin.Context) {
	if s.deps.Dispatch == nil {
		s.writeError(c, entity.NewNotFoundError("daemon", "dispatch"))
		return
	}
	started := s.deps.Dispatch.TickNow(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"sessionsStarted": started})
}

// handleEventsWS streams every bus event to the client as JSON frames.
// The subscription lives until the client disconnects.
func (s *Server) handleEventsWS(c *gin.Context) {
	if s.deps.Bus == nil {
		s.writeError(c, entity.NewNotFoundError("event bus", "events"))
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Bus handlers fire concurrently; the gorilla connection allows one
	// writer at a time, so frames are funneled through a channel.
	frames := make(chan *bus.Event, 64)
	sub, err := s.deps.Bus.Subscribe(">", func(_ context.Context, event *bus.Event) error {
		select {
		case frames <- event:
		default:
			// slow consumer, drop rather than block the bus
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("event subscription failed", zap.Error(err))
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("event unsubscribe failed", zap.Error(err))
		}
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case event := <-frames:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(c *gin.Context, err error) {
	c.JSON(entity.HTTPStatus(err), errorResponse{
		Error: errorBody{Code: entity.ErrorCode(err), Message: err.Error()},
	})
}
