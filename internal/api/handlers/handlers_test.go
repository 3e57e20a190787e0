package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/claw-compactor/claude-code-proxy/internal/config"
	"github.com/claw-compactor/claude-code-proxy/internal/dispatch"
	"github.com/claw-compactor/claude-code-proxy/internal/eventlog"
	"github.com/claw-compactor/claude-code-proxy/internal/queue"
	"github.com/claw-compactor/claude-code-proxy/internal/ratelimit"
	"github.com/claw-compactor/claude-code-proxy/internal/registry"
	"github.com/claw-compactor/claude-code-proxy/internal/router"
	"github.com/claw-compactor/claude-code-proxy/internal/warmpool"
	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

func testAPI(t *testing.T) *API {
	t.Helper()
	cfg := &config.Config{Version: "test", Workers: []models.WorkerSpec{{Name: "w1"}}}
	q := queue.New(queue.Options{MaxConcurrent: 1, MaxQueueTotal: 1, MaxQueuePerSource: 1})
	rt := router.New(cfg.Workers, router.Options{})
	reg := registry.New(registry.Options{}, nil)
	lim := ratelimit.New(nil, nil)
	wp := warmpool.New(warmpool.Options{}, func(ctx context.Context, key warmpool.Key) (warmpool.Proc, error) {
		return nil, nil
	})

	events := eventlog.New(100)
	engine := dispatch.NewEngine(cfg, q, lim, rt, wp, reg, nil, events, nil)

	return &API{
		Engine:   engine,
		Queue:    q,
		Limiter:  lim,
		Router:   rt,
		WarmPool: wp,
		Registry: reg,
		EventLog: events,
		Config:   cfg,
	}
}

func TestHealthReportsOK(t *testing.T) {
	api := testAPI(t)
	w := httptest.NewRecorder()
	api.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var snap models.HealthSnapshot
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "ok", snap.Status)
}

func TestVersionReportsConfiguredVersion(t *testing.T) {
	api := testAPI(t)
	w := httptest.NewRecorder()
	api.Version(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "test", body["version"])
}

func TestListModelsReturnsThreeFamilies(t *testing.T) {
	api := testAPI(t)
	w := httptest.NewRecorder()
	api.ListModels(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []map[string]any `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Data, 3)
}

func TestEventsReturnsBacklogRespectingLimit(t *testing.T) {
	api := testAPI(t)
	api.EventLog.Append("ingress", "source-a", "", "sonnet", "req_1")
	api.EventLog.Append("ingress", "source-a", "", "sonnet", "req_2")

	w := httptest.NewRecorder()
	api.Events(w, httptest.NewRequest(http.MethodGet, "/events?limit=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var out []any
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out, 1)
}

func TestMetricsAssemblesSnapshot(t *testing.T) {
	api := testAPI(t)
	w := httptest.NewRecorder()
	api.Metrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var snap models.MetricsSnapshot
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
}
