// Package warmpool pre-spawns worker processes, blocked on their input
// stream, so a real request can hand one off instead of paying cold-start
// latency. Entries are keyed by (model, stream, worker) and proactively
// replenished whenever one is acquired or found stale.
package warmpool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// Key identifies one warm-process bucket.
type Key struct {
	Model  models.ModelFamily
	Stream bool
	Worker string
}

// Proc is the minimal lifecycle surface the pool needs from a spawned
// process. The dispatch package's process wrapper implements it.
type Proc interface {
	PID() int
	// Drain hooks the process's stdout/stderr to a discard sink so its
	// buffers never fill while the process sits idle in the pool.
	Drain()
	// Undrain detaches the pool's drain goroutines so the caller can
	// re-attach its own readers.
	Undrain()
	// Dead reports whether the process has already exited.
	Dead() bool
	// Kill terminates the process immediately (used to evict stale entries).
	Kill()
	// OnExit registers a callback invoked exactly once when the process exits.
	OnExit(func())
}

// SpawnFunc creates and starts one pre-warmed process for key.
type SpawnFunc func(ctx context.Context, key Key) (Proc, error)

type entry struct {
	proc      Proc
	createdAt time.Time
}

// Metrics is a frozen snapshot of the pool's monotonic counters.
type Metrics struct {
	Spawned int64
	Errors  int64
	Evicted int64
	Hits    int64
	Misses  int64
}

// Options configures per-key capacity and staleness.
type Options struct {
	MaxWarmPerKey int
	MaxWarmAge    time.Duration
	SweepInterval time.Duration
}

// Pool is a keyed multiset of pre-spawned, blocked-on-stdin processes.
type Pool struct {
	mu      sync.Mutex
	entries map[Key][]*entry
	spawn   SpawnFunc
	opts    Options

	spawned int64
	errors  int64
	evicted int64
	hits    int64
	misses  int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Pool. Call Start to run its periodic sweep.
func New(opts Options, spawn SpawnFunc) *Pool {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	return &Pool{
		entries: make(map[Key][]*entry),
		spawn:   spawn,
		opts:    opts,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start runs the periodic stale/dead sweep until ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	go func() {
		defer ticker.Stop()
		defer close(p.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (p *Pool) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// WarmUp spawns one more process for key if the live count is below the cap.
func (p *Pool) WarmUp(ctx context.Context, key Key) {
	p.mu.Lock()
	live := 0
	for _, e := range p.entries[key] {
		if !e.proc.Dead() {
			live++
		}
	}
	if live >= p.opts.MaxWarmPerKey {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	proc, err := p.spawn(ctx, key)
	if err != nil {
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
		log.Warn().Err(err).Interface("key", key).Msg("warm pool spawn failed")
		return
	}
	proc.Drain()

	p.mu.Lock()
	p.entries[key] = append(p.entries[key], &entry{proc: proc, createdAt: time.Now()})
	p.spawned++
	p.mu.Unlock()

	pid := proc.PID()
	proc.OnExit(func() {
		p.removeDead(key, pid)
	})
}

func (p *Pool) removeDead(key Key, pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.entries[key]
	for i, e := range list {
		if e.proc.PID() == pid {
			p.entries[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Acquire pops a live, non-stale entry for key if one exists, schedules one
// async replenishment in either case, and returns (proc, true) on a hit.
func (p *Pool) Acquire(ctx context.Context, key Key) (Proc, bool) {
	for {
		p.mu.Lock()
		list := p.entries[key]
		if len(list) == 0 {
			p.mu.Unlock()
			p.misses++
			go p.WarmUp(ctx, key)
			return nil, false
		}
		e := list[0]
		p.entries[key] = list[1:]
		p.mu.Unlock()

		if e.proc.Dead() {
			continue
		}
		if time.Since(e.createdAt) > p.opts.MaxWarmAge {
			e.proc.Kill()
			p.mu.Lock()
			p.evicted++
			p.mu.Unlock()
			continue
		}

		e.proc.Undrain()
		p.mu.Lock()
		p.hits++
		p.mu.Unlock()
		go p.WarmUp(ctx, key)
		return e.proc, true
	}
}

// sweep evicts dead entries and terminates stale ones across all keys.
func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for key, list := range p.entries {
		kept := list[:0:0]
		for _, e := range list {
			if e.proc.Dead() {
				continue
			}
			if now.Sub(e.createdAt) > p.opts.MaxWarmAge {
				e.proc.Kill()
				p.evicted++
				continue
			}
			kept = append(kept, e)
		}
		p.entries[key] = kept
	}
}

// Stats returns a frozen snapshot of the pool's counters.
func (p *Pool) Stats() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Metrics{
		Spawned: p.spawned,
		Errors:  p.errors,
		Evicted: p.evicted,
		Hits:    p.hits,
		Misses:  p.misses,
	}
}
