package dispatch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// streamViaFallback relays an OpenAI-compatible streaming completion from
// the configured fallback backend through the already-open client stream,
// used once every CLI worker attempt has exited without producing content.
func (e *Engine) streamViaFallback(r *http.Request, rc requestCtx, sw *sseWriter) {
	resp, err := e.callFallback(r, rc, true)
	if err != nil {
		sw.FinishWithError("fallback backend unavailable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusRequestEntityTooLarge || resp.StatusCode == 413 {
			atomic.AddInt64(&e.contextOverflow, 1)
		}
		sw.FinishWithError("fallback backend returned an error")
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		raw := strings.TrimPrefix(line, "data: ")
		if raw == "[DONE]" {
			break
		}
		var chunk models.StreamChunk
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			continue
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" || len(c.Delta.ToolCalls) > 0 {
				sw.WriteDelta(c.Delta, c.FinishReason)
			}
		}
	}
	sw.Finish("stop")
}

// syncViaFallback relays a non-streaming completion from the fallback
// backend: its JSON body is decoded into a ChatCompletionResponse and
// re-encoded with the local request id, so fields outside that type are
// dropped.
func (e *Engine) syncViaFallback(w http.ResponseWriter, r *http.Request, rc requestCtx) {
	resp, err := e.callFallback(r, rc, false)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "fallback backend unavailable", "upstream_error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusRequestEntityTooLarge {
			atomic.AddInt64(&e.contextOverflow, 1)
		}
		writeJSONError(w, resp.StatusCode, "fallback backend returned an error", "upstream_error")
		return
	}

	var body models.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed to decode fallback response", "upstream_error")
		return
	}
	body.ID = rc.id
	writeJSON(w, http.StatusOK, body)
}

func (e *Engine) callFallback(r *http.Request, rc requestCtx, stream bool) (*http.Response, error) {
	req := rc.raw
	req.Stream = stream
	if e.cfg.Fallback.Model != "" {
		req.Model = e.cfg.Fallback.Model
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, strings.TrimRight(e.cfg.Fallback.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.cfg.Fallback.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.Fallback.APIKey)
	}
	return e.doWithRetry(httpReq)
}

// doWithRetry retries connection-level failures (the upstream never
// responded) with exponential backoff. Once a response is received,
// regardless of status code, the caller owns interpreting it — a partially
// streamed body can't be replayed.
func (e *Engine) doWithRetry(req *http.Request) (*http.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(e.cfg.RetryBaseMs) * time.Millisecond
	bounded := backoff.WithMaxRetries(b, uint64(e.cfg.MaxRetries))

	var resp *http.Response
	err := backoff.Retry(func() error {
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Body = body
		}
		r, err := e.httpClient.Do(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, bounded)
	return resp, err
}
