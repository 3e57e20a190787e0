// Package handlers implements the proxy's HTTP surface: the chat
// completions endpoint, a models listing, health and metrics snapshots,
// and the event-log/SSE observability endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

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

// API bundles the components the HTTP handlers read from; it holds no
// state of its own beyond these references.
type API struct {
	Engine   *dispatch.Engine
	Queue    *queue.Queue
	Limiter  *ratelimit.Limiter
	Router   *router.Router
	WarmPool *warmpool.Pool
	Registry *registry.Registry
	EventLog *eventlog.Log
	Config   *config.Config
}

// ChatCompletions handles POST /v1/chat/completions.
func (a *API) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	a.Engine.ServeChatCompletions(w, r)
}

// ListModels handles GET /v1/models.
func (a *API) ListModels(w http.ResponseWriter, r *http.Request) {
	families := []models.ModelFamily{models.ModelOpus, models.ModelSonnet, models.ModelHaiku}
	data := make([]map[string]any, 0, len(families))
	for _, f := range families {
		data = append(data, map[string]any{
			"id":       "claude-code/" + string(f),
			"object":   "model",
			"created":  0,
			"owned_by": "claude-code-proxy",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	snap := models.HealthSnapshot{
		Status:       "ok",
		QueueDepth:   a.Queue.Depth(),
		ActiveCount:  a.Queue.ActiveCount(),
		RegistrySize: a.Registry.Size(),
		DegradedMode: a.Router.Degraded(),
		Workers:      a.Router.Health(),
	}
	if snap.DegradedMode {
		snap.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, snap)
}

// Version handles GET /version.
func (a *API) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": a.Config.Version,
		"service": "claude-code-proxy",
	})
}

// Metrics handles GET /metrics: a frozen snapshot of every component's
// counters, for human or scrape consumption.
func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	qs := a.Queue.Stats()
	ws := a.WarmPool.Stats()
	rs := a.Registry.Stats()
	ds := a.Engine.Stats()

	writeJSON(w, http.StatusOK, models.MetricsSnapshot{
		Queue: models.QueueMetrics{
			Processed: qs.Processed,
			TimedOut:  qs.TimedOut,
			Rejected:  qs.Rejected,
			Leaked:    qs.Leaked,
			PerSource: qs.PerSource,
		},
		RateLimit: a.Limiter.Stats(),
		Registry: models.RegistryMetrics{
			Registered: rs.Registered,
			Reaped:     rs.Reaped,
			Killed:     rs.Killed,
		},
		WarmPool: models.WarmPoolMetrics{
			Spawned: ws.Spawned,
			Errors:  ws.Errors,
			Evicted: ws.Evicted,
			Hits:    ws.Hits,
			Misses:  ws.Misses,
		},
		Dispatch: models.DispatchMetrics{
			StreamRetries:   ds.StreamRetries,
			Fallbacks:       ds.Fallbacks,
			SafetyRefusals:  ds.SafetyRefusals,
			ContextOverflow: ds.ContextOverflow,
		},
	})
}

// Events handles GET /events: the since-id event log backlog.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if s := r.URL.Query().Get("since_id"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			since = v
		}
	}
	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	eventType := r.URL.Query().Get("type")
	writeJSON(w, http.StatusOK, a.EventLog.Since(since, eventType, limit))
}

// Stream handles GET /stream: a live SSE firehose of the event log.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch := a.EventLog.Subscribe()
	defer a.EventLog.Unsubscribe(ch)

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			w.Write([]byte(":keepalive\n\n"))
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
