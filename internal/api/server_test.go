package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stoneforge/internal/common/config"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/metrics"
	"github.com/stoneforge-ai/stoneforge/internal/ratelimit"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

func newTestServer(t *testing.T, mutate func(*Deps)) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	deps := Deps{Store: st}
	if mutate != nil {
		mutate(&deps)
	}
	return NewServer(config.ServerConfig{}, deps, logger.Default()), st
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doRequest(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAgentsEndpointFiltersByRole(t *testing.T) {
	s, st := newTestServer(t, nil)
	ctx := context.Background()

	worker := entity.NewAgent("worker-1", entity.RoleWorker, "cli")
	require.NoError(t, st.CreateAgent(ctx, worker))
	steward := entity.NewAgent("steward-1", entity.RoleSteward, "cli")
	require.NoError(t, st.CreateAgent(ctx, steward))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/agents?role=worker")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Agents []*entity.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Agents, 1)
	assert.Equal(t, worker.ID, body.Agents[0].ID)
}

func TestSessionsEndpoint(t *testing.T) {
	s, st := newTestServer(t, nil)
	ctx := context.Background()

	sess := entity.NewSession("agent-1", entity.RoleWorker, entity.ModeHeadless, "claude", "/tmp")
	require.NoError(t, st.CreateSession(ctx, sess))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sessions?agentId=agent-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []*entity.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, sess.ID, body.Sessions[0].ID)
}

func TestStatusIncludesRateLimits(t *testing.T) {
	tracker := ratelimit.NewTracker()
	s, _ := newTestServer(t, func(d *Deps) { d.Tracker = tracker })

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "dispatch", "absent collaborators drop out of the payload")
	assert.NotContains(t, body, "sync")
}

func TestDispatchTickWithoutDaemonIsNotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/dispatch/tick")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, entity.CodeNotFound, body.Error.Code)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	m := metrics.New()
	s, _ := newTestServer(t, func(d *Deps) { d.Metrics = m })
	m.DispatchCycle(1)

	rec := doRequest(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stoneforge_")
}

func TestEventsWebsocketStreamsBusEvents(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	s, _ := newTestServer(t, func(d *Deps) { d.Bus = b })

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	if resp != nil {
		resp.Body.Close()
	}

	event := bus.NewEvent("task.created", "test", map[string]any{"taskId": "t-1"})
	require.NoError(t, b.Publish(context.Background(), "task.created", event))

	var got bus.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "task.created", got.Type)
	assert.Equal(t, "t-1", got.Data["taskId"])
}
