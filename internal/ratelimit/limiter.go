// Package ratelimit implements the per-model sliding-window request and
// token limiter that gates dispatch before a worker is ever spawned.
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"github.com/claw-compactor/claude-code-proxy/internal/durable"
	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

const window = 60 * time.Second

// Limit is the per-model ceiling configuration.
type Limit struct {
	RequestsPerMin int
	TokensPerMin   int
}

type event struct {
	at        time.Time
	estTokens int
}

// CheckResult answers whether a request may proceed now.
type CheckResult struct {
	OK     bool
	WaitMs int64
	Reason string
}

// Limiter tracks one sliding window of (timestamp, estTokens) events per
// model family. Window trimming is lazy: expired events are filtered out at
// read time rather than swept in the background.
type Limiter struct {
	mu     sync.Mutex
	limits map[models.ModelFamily]Limit
	events map[models.ModelFamily][]event
	store  durable.Store
	throttled map[models.ModelFamily]int64
}

// New constructs a Limiter. store may be nil; when present, recorded events
// are also (fire-and-forget) pushed to its durable ZSET for observability.
func New(limits map[models.ModelFamily]Limit, store durable.Store) *Limiter {
	return &Limiter{
		limits:    limits,
		events:    make(map[models.ModelFamily][]event),
		store:     store,
		throttled: make(map[models.ModelFamily]int64),
	}
}

// Check answers whether a request for model with estTokens may proceed now.
func (l *Limiter) Check(model models.ModelFamily, estTokens int) CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[model]
	if !ok {
		return CheckResult{OK: true}
	}

	live := l.liveEvents(model)

	if limit.RequestsPerMin > 0 && len(live) >= limit.RequestsPerMin {
		l.throttled[model]++
		return CheckResult{OK: false, WaitMs: waitFor(live[0].at), Reason: "requests_exceeded"}
	}

	if limit.TokensPerMin > 0 && len(live) > 0 {
		sum := 0
		for _, e := range live {
			sum += e.estTokens
		}
		if sum+estTokens > limit.TokensPerMin {
			l.throttled[model]++
			return CheckResult{OK: false, WaitMs: waitFor(live[0].at), Reason: "tokens_exceeded"}
		}
	}

	return CheckResult{OK: true}
}

// waitFor computes how long until the oldest live event ages out of the window.
func waitFor(oldest time.Time) int64 {
	remaining := window - time.Since(oldest)
	waitMs := remaining.Milliseconds()
	if waitMs < 1000 {
		waitMs = 1000
	}
	return waitMs
}

// Record appends a live event to the model's window and, if a durable store
// is configured, mirrors it to a ZSET for cross-restart observability.
func (l *Limiter) Record(model models.ModelFamily, estTokens int) {
	l.mu.Lock()
	now := time.Now()
	l.events[model] = append(l.liveEvents(model), event{at: now, estTokens: estTokens})
	l.mu.Unlock()

	if l.store != nil {
		key := "rate:" + string(model)
		member := formatMember(now, estTokens)
		go func() {
			l.store.ZAdd(key, float64(now.UnixMilli()), member)
			l.store.ZRemRangeByScore(key, 0, float64(now.Add(-window).UnixMilli()))
		}()
	}
}

// liveEvents filters out events older than the 60s window. Must be called
// with l.mu held; it also compacts the stored slice as a side effect.
func (l *Limiter) liveEvents(model models.ModelFamily) []event {
	events := l.events[model]
	cutoff := time.Now().Add(-window)
	kept := events[:0:0]
	for _, e := range events {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.events[model] = kept
	return kept
}

// Stats returns a per-model count of throttled checks since start.
func (l *Limiter) Stats() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.throttled))
	for m, n := range l.throttled {
		out[string(m)] = n
	}
	return out
}

func formatMember(at time.Time, estTokens int) string {
	return at.Format(time.RFC3339Nano) + ":" + strconv.Itoa(estTokens)
}
