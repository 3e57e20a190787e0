package dispatch

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/claw-compactor/claude-code-proxy/internal/config"
	"github.com/claw-compactor/claude-code-proxy/internal/queue"
	"github.com/claw-compactor/claude-code-proxy/internal/router"
	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

func testEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	if cfg.HeartbeatByModel == nil {
		cfg.HeartbeatByModel = map[models.ModelFamily]time.Duration{}
	}
	rt := router.New(cfg.Workers, router.Options{})
	return NewEngine(cfg, nil, nil, rt, nil, nil, nil, nil, nil)
}

func TestUsesDirectAPIRequiresToolsAndTokenPool(t *testing.T) {
	cfg := &config.Config{Workers: []models.WorkerSpec{{Name: "w1"}}}
	e := testEngine(t, cfg)

	assert.False(t, e.usesDirectAPI(requestCtx{hasTools: true}), "no token pool configured")
	assert.False(t, e.usesDirectAPI(requestCtx{hasTools: false}))

	cfg.TokenPool = []models.TokenPoolEntry{{Name: "t1", Credential: "sk-1"}}
	assert.True(t, e.usesDirectAPI(requestCtx{hasTools: true}))
}

func TestHeartbeatForFallsBackToDefault(t *testing.T) {
	cfg := &config.Config{
		Workers:          []models.WorkerSpec{{Name: "w1"}},
		HeartbeatByModel: map[models.ModelFamily]time.Duration{models.ModelOpus: 42 * time.Second},
	}
	e := testEngine(t, cfg)
	assert.Equal(t, 42*time.Second, e.heartbeatFor(models.ModelOpus))
	assert.Equal(t, 20*time.Minute, e.heartbeatFor(models.ModelHaiku))
}

func TestNextTokenCredentialRoundRobins(t *testing.T) {
	cfg := &config.Config{
		Workers: []models.WorkerSpec{{Name: "w1"}},
		TokenPool: []models.TokenPoolEntry{
			{Name: "a", Credential: "1"},
			{Name: "b", Credential: "2"},
		},
	}
	e := testEngine(t, cfg)
	first := e.nextTokenCredential()
	second := e.nextTokenCredential()
	third := e.nextTokenCredential()
	assert.NotEqual(t, first.Name, second.Name)
	assert.Equal(t, first.Name, third.Name)
}

func TestNextTokenCredentialEmptyPool(t *testing.T) {
	cfg := &config.Config{Workers: []models.WorkerSpec{{Name: "w1"}}}
	e := testEngine(t, cfg)
	assert.Equal(t, models.TokenPoolEntry{}, e.nextTokenCredential())
}

func TestPickWorkerAvoidsAlreadyTried(t *testing.T) {
	cfg := &config.Config{Workers: []models.WorkerSpec{{Name: "w1"}, {Name: "w2"}}}
	e := testEngine(t, cfg)

	spec, ok := e.pickWorker(requestCtx{sessionKey: "s1"}, map[string]bool{})
	assert.True(t, ok)

	tried := map[string]bool{spec.Name: true}
	next, ok := e.pickWorker(requestCtx{sessionKey: "s1"}, tried)
	assert.True(t, ok)
	assert.NotEqual(t, spec.Name, next.Name, "a tried worker must not be picked again while an untried one exists")
}

func TestRespondQueueErrorMapsKnownErrors(t *testing.T) {
	cfg := &config.Config{Workers: []models.WorkerSpec{{Name: "w1"}}}
	e := testEngine(t, cfg)

	w := httptest.NewRecorder()
	e.respondQueueError(w, queue.ErrQueueFull)
	assert.Equal(t, 503, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	w2 := httptest.NewRecorder()
	e.respondQueueError(w2, queue.ErrQueueTimeout)
	assert.Equal(t, 503, w2.Code)
}

func TestStatsReflectsAtomicCounters(t *testing.T) {
	cfg := &config.Config{Workers: []models.WorkerSpec{{Name: "w1"}}}
	e := testEngine(t, cfg)
	e.streamRetries = 3
	e.fallbacks = 1
	stats := e.Stats()
	assert.Equal(t, int64(3), stats.StreamRetries)
	assert.Equal(t, int64(1), stats.Fallbacks)
}
