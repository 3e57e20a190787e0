// Package dispatch is the outer orchestration layer: it parses chat
// completion requests, runs the admission sequence (queue, rate limiter),
// chooses a worker via the router, runs the CLI-worker or direct-API
// streaming state machine with quick-fail retry, and falls back to an
// OpenAI-compatible HTTP backend when every worker attempt fails without
// producing content.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/claw-compactor/claude-code-proxy/internal/classify"
	"github.com/claw-compactor/claude-code-proxy/internal/config"
	"github.com/claw-compactor/claude-code-proxy/internal/durable"
	"github.com/claw-compactor/claude-code-proxy/internal/eventlog"
	"github.com/claw-compactor/claude-code-proxy/internal/queue"
	"github.com/claw-compactor/claude-code-proxy/internal/ratelimit"
	"github.com/claw-compactor/claude-code-proxy/internal/registry"
	"github.com/claw-compactor/claude-code-proxy/internal/router"
	"github.com/claw-compactor/claude-code-proxy/internal/warmpool"
	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// Metrics is a frozen snapshot of the dispatcher's own counters.
type Metrics struct {
	StreamRetries   int64
	Fallbacks       int64
	SafetyRefusals  int64
	ContextOverflow int64
}

// Engine wires the queue, rate limiter, router, warm pool, and registry
// into the end-to-end request lifecycle.
type Engine struct {
	cfg        *config.Config
	queue      *queue.Queue
	limiter    *ratelimit.Limiter
	router     *router.Router
	warmPool   *warmpool.Pool
	registry   *registry.Registry
	classifier *classify.Classifier
	events     *eventlog.Log
	store      durable.Store
	httpClient *http.Client

	specByName map[string]models.WorkerSpec
	tokenIdx   int64

	streamRetries   int64
	fallbacks       int64
	safetyRefusals  int64
	contextOverflow int64
}

// NewEngine constructs the dispatcher from its already-started collaborator
// components.
func NewEngine(cfg *config.Config, q *queue.Queue, lim *ratelimit.Limiter, rt *router.Router, wp *warmpool.Pool, reg *registry.Registry, cls *classify.Classifier, ev *eventlog.Log, store durable.Store) *Engine {
	specByName := make(map[string]models.WorkerSpec, len(cfg.Workers))
	for _, s := range cfg.Workers {
		specByName[s.Name] = s
	}
	return &Engine{
		cfg:        cfg,
		queue:      q,
		limiter:    lim,
		router:     rt,
		warmPool:   wp,
		registry:   reg,
		classifier: cls,
		events:     ev,
		store:      store,
		httpClient: &http.Client{Timeout: 0},
		specByName: specByName,
	}
}

// AttachWarmPool wires the warm pool in after construction, since the pool
// itself is built from a spawn function this engine provides — a
// construction-order cycle that a setter breaks.
func (e *Engine) AttachWarmPool(wp *warmpool.Pool) {
	e.warmPool = wp
}

// MakeWarmSpawner builds the warmpool.SpawnFunc bound to this engine's
// worker specs, for wiring into warmpool.New at boot.
func (e *Engine) MakeWarmSpawner() warmpool.SpawnFunc {
	return func(ctx context.Context, key warmpool.Key) (warmpool.Proc, error) {
		spec, ok := e.specByName[key.Worker]
		if !ok {
			return nil, errNoSuchWorker(key.Worker)
		}
		return spawnWorker(ctx, spec, nil)
	}
}

type errNoSuchWorker string

func (e errNoSuchWorker) Error() string { return "no such worker: " + string(e) }

// requestCtx carries the resolved, dispatch-relevant facts about one
// incoming chat completion request.
type requestCtx struct {
	id            string
	model         models.ModelFamily
	priority      models.Priority
	source        string
	sessionKey    string
	systemPrompt  string
	prompt        string
	payload       string
	promptChars   int
	estTokens     int
	stream        bool
	hasTools      bool
	raw           models.ChatCompletionRequest
}

// ServeChatCompletions handles POST /v1/chat/completions.
func (e *Engine) ServeChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}

	rc := e.buildRequestCtx(r, req)
	e.events.Append("ingress", rc.source, "", string(rc.model), rc.id)

	release, err := e.queue.Acquire(r.Context(), rc.source, rc.priority)
	if err != nil {
		e.respondQueueError(w, err)
		return
	}
	defer release()

	if !e.waitForRateLimit(r.Context(), rc.model, rc.estTokens) {
		writeJSONError(w, http.StatusServiceUnavailable, "rate limit wait timeout", "rate_limit_timeout")
		return
	}
	e.limiter.Record(rc.model, rc.estTokens)

	if e.usesDirectAPI(rc) {
		e.serveDirectAPI(w, r, rc)
		return
	}

	if rc.stream {
		e.serveCLIStream(w, r, rc)
	} else {
		e.serveCLISync(w, r, rc)
	}
}

func (e *Engine) buildRequestCtx(r *http.Request, req models.ChatCompletionRequest) requestCtx {
	model := resolveModel(req.Model)
	source := identifySource(r)
	systemPrompt, prompt := extractPrompt(req.Messages, e.cfg.MaxPromptChars)
	sessionKey := router.DeriveSessionKey(source, req.SessionID, systemPrompt)

	return requestCtx{
		id:           newRequestID(),
		model:        model,
		priority:     models.PriorityOf(model),
		source:       source,
		sessionKey:   sessionKey,
		systemPrompt: systemPrompt,
		prompt:       prompt,
		payload:      assemblePayload(systemPrompt, prompt),
		promptChars:  len(systemPrompt) + len(prompt),
		estTokens:    estimateTokens(len(systemPrompt) + len(prompt)),
		stream:       req.Stream,
		hasTools:     len(req.Tools) > 0,
		raw:          req,
	}
}

func (e *Engine) usesDirectAPI(rc requestCtx) bool {
	return rc.hasTools && len(e.cfg.TokenPool) > 0
}

// waitForRateLimit polls the limiter in ≤5s slices, bounded by an overall
// 5-minute cap. Returns false if the cap is exceeded.
func (e *Engine) waitForRateLimit(ctx context.Context, model models.ModelFamily, estTokens int) bool {
	deadline := time.Now().Add(5 * time.Minute)
	for {
		res := e.limiter.Check(model, estTokens)
		if res.OK {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		wait := time.Duration(res.WaitMs) * time.Millisecond
		if wait > 5*time.Second {
			wait = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (e *Engine) respondQueueError(w http.ResponseWriter, err error) {
	switch err {
	case queue.ErrQueueFull:
		w.Header().Set("Retry-After", "5")
		writeJSONError(w, http.StatusServiceUnavailable, "queue full", "queue_full")
	case queue.ErrQueueTimeout:
		writeJSONError(w, http.StatusServiceUnavailable, "queue timeout", "queue_timeout")
	default:
		writeJSONError(w, http.StatusServiceUnavailable, "queue error", "queue_error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: models.ErrorBody{Message: message, Type: kind}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pickWorker asks the router for the next worker and returns its spec.
func (e *Engine) pickWorker(rc requestCtx, tried map[string]bool) (models.WorkerSpec, bool) {
	name, err := e.router.Select(rc.sessionKey)
	if err != nil {
		return models.WorkerSpec{}, false
	}
	if tried[name] {
		for n := range e.specByName {
			if !tried[n] {
				name = n
				break
			}
		}
	}
	spec, ok := e.specByName[name]
	return spec, ok
}

func (e *Engine) heartbeatFor(model models.ModelFamily) time.Duration {
	if d, ok := e.cfg.HeartbeatByModel[model]; ok {
		return d
	}
	return 20 * time.Minute
}

func (e *Engine) nextTokenCredential() models.TokenPoolEntry {
	if len(e.cfg.TokenPool) == 0 {
		return models.TokenPoolEntry{}
	}
	i := atomic.AddInt64(&e.tokenIdx, 1) - 1
	return e.cfg.TokenPool[int(i)%len(e.cfg.TokenPool)]
}

// Stats returns a frozen snapshot of the dispatcher's own counters.
func (e *Engine) Stats() Metrics {
	return Metrics{
		StreamRetries:   atomic.LoadInt64(&e.streamRetries),
		Fallbacks:       atomic.LoadInt64(&e.fallbacks),
		SafetyRefusals:  atomic.LoadInt64(&e.safetyRefusals),
		ContextOverflow: atomic.LoadInt64(&e.contextOverflow),
	}
}

