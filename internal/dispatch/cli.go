package dispatch

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/claw-compactor/claude-code-proxy/internal/classify"
	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

const quickFailWindow = 5 * time.Second

// serveCLIStream runs the CLI-worker streaming path with quick-fail retry
// across the worker pool, falling back to the configured HTTP backend if
// every attempt exits without producing content.
func (e *Engine) serveCLIStream(w http.ResponseWriter, r *http.Request, rc requestCtx) {
	sw, ok := newSSEWriter(w, rc.id, string(rc.model))
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported", "internal_error")
		return
	}

	stopKeepalive := startKeepalive(r.Context(), sw)
	defer stopKeepalive()

	tried := make(map[string]bool, len(e.specByName))
	var last attemptResult

	for attempt := 0; attempt < len(e.specByName); attempt++ {
		spec, ok := e.pickWorker(rc, tried)
		if !ok {
			break
		}
		tried[spec.Name] = true
		if attempt > 0 {
			atomic.AddInt64(&e.streamRetries, 1)
		}

		started := time.Now()
		last = e.runAttempt(r.Context(), rc.id, rc.model, true, attemptOptions{
			Spec:        spec,
			Payload:     rc.payload,
			PromptChars: rc.promptChars,
			Heartbeat:   e.heartbeatFor(rc.model),
			ExecTimeout: e.streamTimeout(),
			OnDelta: func(text string) {
				sw.WriteDelta(models.Delta{Role: "assistant", Content: text}, nil)
			},
			OnFirstByteLate: func() {
				log.Warn().Str("request_id", rc.id).Str("worker", spec.Name).Str("model", string(rc.model)).
					Msg("worker produced no output within first-byte warn threshold")
			},
		})

		if last.exitKind == classify.KindSafetyRefusal {
			break
		}
		if last.contentSent {
			break
		}
		if last.exitKind == classify.KindTerminated {
			break
		}
		if last.exitKind == classify.KindOK {
			break
		}
		if time.Since(started) >= quickFailWindow {
			break
		}
	}

	if last.exitKind == classify.KindSafetyRefusal {
		atomic.AddInt64(&e.safetyRefusals, 1)
		sw.FinishWithError("the assistant declined to respond to this request")
		return
	}

	if last.contentSent || last.exitKind == classify.KindOK {
		sw.Finish("stop")
		return
	}

	atomic.AddInt64(&e.fallbacks, 1)
	e.streamViaFallback(r, rc, sw)
}

// serveCLISync runs the CLI-worker non-streaming path, buffering the full
// response and returning it as one JSON object.
func (e *Engine) serveCLISync(w http.ResponseWriter, r *http.Request, rc requestCtx) {
	var buf strings.Builder
	tried := make(map[string]bool, len(e.specByName))
	var last attemptResult

	for attempt := 0; attempt < len(e.specByName); attempt++ {
		spec, ok := e.pickWorker(rc, tried)
		if !ok {
			break
		}
		tried[spec.Name] = true
		if attempt > 0 {
			atomic.AddInt64(&e.streamRetries, 1)
		}
		buf.Reset()

		started := time.Now()
		last = e.runAttempt(r.Context(), rc.id, rc.model, false, attemptOptions{
			Spec:        spec,
			Payload:     rc.payload,
			PromptChars: rc.promptChars,
			Heartbeat:   e.heartbeatFor(rc.model),
			ExecTimeout: e.syncTimeout(),
			OnDelta: func(text string) {
				buf.WriteString(text)
			},
			OnFirstByteLate: func() {
				log.Warn().Str("request_id", rc.id).Str("worker", spec.Name).Str("model", string(rc.model)).
					Msg("worker produced no output within first-byte warn threshold")
			},
		})

		if last.exitKind == classify.KindSafetyRefusal {
			break
		}
		if last.contentSent {
			break
		}
		if last.exitKind == classify.KindTerminated {
			break
		}
		if last.exitKind == classify.KindOK {
			break
		}
		if time.Since(started) >= quickFailWindow {
			break
		}
	}

	if last.exitKind == classify.KindSafetyRefusal {
		atomic.AddInt64(&e.safetyRefusals, 1)
		writeJSONError(w, http.StatusOK, "the assistant declined to respond to this request", "safety_refusal")
		return
	}

	if last.contentSent || last.exitKind == classify.KindOK {
		e.writeSyncResponse(w, rc, buf.String(), last)
		return
	}

	atomic.AddInt64(&e.fallbacks, 1)
	e.syncViaFallback(w, r, rc)
}

func (e *Engine) writeSyncResponse(w http.ResponseWriter, rc requestCtx, content string, res attemptResult) {
	resp := models.ChatCompletionResponse{
		ID:      rc.id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(rc.model),
		Choices: []models.ChatChoiceFull{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: models.Usage{
			PromptTokens:     res.inputTokens,
			CompletionTokens: res.outputTokens,
			TotalTokens:      res.inputTokens + res.outputTokens,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *Engine) streamTimeout() time.Duration {
	if e.cfg.StreamTimeoutMs > 0 {
		return time.Duration(e.cfg.StreamTimeoutMs) * time.Millisecond
	}
	return 30 * time.Minute
}

func (e *Engine) syncTimeout() time.Duration {
	if e.cfg.SyncTimeoutMs > 0 {
		return time.Duration(e.cfg.SyncTimeoutMs) * time.Millisecond
	}
	return 5 * time.Minute
}
