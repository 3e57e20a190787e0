package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// sseWriter serializes writes to one client's SSE stream and tracks whether
// any real content byte has been sent yet — the fact the retry/fallback
// decision hinges on.
type sseWriter struct {
	mu          sync.Mutex
	w           http.ResponseWriter
	flusher     http.Flusher
	reqID       string
	model       string
	contentSent bool
	closed      bool
}

func newSSEWriter(w http.ResponseWriter, reqID, model string) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, flusher: flusher, reqID: reqID, model: model}
	sw.writeComment("proxy-accepted")
	return sw, true
}

func (s *sseWriter) writeComment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fmt.Fprintf(s.w, ":%s\n\n", text)
	s.flusher.Flush()
}

// Keepalive sends an SSE comment line without marking content as sent.
func (s *sseWriter) Keepalive() {
	s.writeComment("keepalive")
}

// startKeepalive runs a background ticker against sw for the lifetime of
// one client stream, covering every worker attempt and any fallback: the
// interval starts at 5s and relaxes to 30s once the first real content byte
// has gone out, so no 30-second window ever passes without at least one
// byte reaching the client. The returned stop func is idempotent.
func startKeepalive(ctx context.Context, sw *sseWriter) func() {
	const (
		initialInterval = 5 * time.Second
		relaxedInterval = 30 * time.Second
	)
	done := make(chan struct{})
	go func() {
		interval := initialInterval
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-timer.C:
				sw.Keepalive()
				if sw.ContentSent() {
					interval = relaxedInterval
				}
				timer.Reset(interval)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// ContentSent reports whether any real delta has been written yet.
func (s *sseWriter) ContentSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentSent
}

// WriteDelta emits one OpenAI-shaped streaming chunk.
func (s *sseWriter) WriteDelta(delta models.Delta, finishReason *string) {
	chunk := models.StreamChunk{
		ID:      s.reqID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []models.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
	s.writeChunk(chunk, delta.Content != "" || len(delta.ToolCalls) > 0)
}

func (s *sseWriter) writeChunk(chunk models.StreamChunk, isContent bool) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if isContent {
		s.contentSent = true
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

// Finish writes the terminating finish-reason chunk and the [DONE] sentinel.
func (s *sseWriter) Finish(finishReason string) {
	fr := finishReason
	s.WriteDelta(models.Delta{}, &fr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
	s.closed = true
}

// FinishWithError encodes a fatal error as a final text delta so the client
// never hangs, then terminates the stream.
func (s *sseWriter) FinishWithError(message string) {
	s.WriteDelta(models.Delta{Content: "\n\n[error: " + message + "]"}, nil)
	s.Finish("stop")
}
