// Package registry is the ground-truth table of every worker child process
// the engine has spawned: pid, attribution, spawn/activity timestamps, and
// live token counters. A periodic reaper kills and unregisters zombies.
package registry

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// Options configures zombie detection and reap cadence.
type Options struct {
	MaxAge        time.Duration
	MaxIdle       time.Duration
	ReapInterval  time.Duration
}

// OnReapFunc is invoked for every pid the reaper kills, so callers can wire
// it into event logs and metrics.
type OnReapFunc func(entry models.RegistryEntry)

// Registry tracks live worker processes keyed by pid.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*models.RegistryEntry
	opts    Options
	onReap  OnReapFunc

	registered int64
	reaped     int64
	killed     int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Registry. Call Start to run the periodic reaper.
func New(opts Options, onReap OnReapFunc) *Registry {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}
	return &Registry{
		entries: make(map[int]*models.RegistryEntry),
		opts:    opts,
		onReap:  onReap,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start runs the periodic zombie reap until ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.opts.ReapInterval)
	go func() {
		defer ticker.Stop()
		defer close(r.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Reap()
			}
		}
	}()
}

// Stop halts the reaper goroutine and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Register adds an entry for a freshly spawned process.
func (r *Registry) Register(entry models.RegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.LastActivityAt.IsZero() {
		entry.LastActivityAt = entry.SpawnedAt
	}
	cp := entry
	r.entries[entry.PID] = &cp
	r.registered++
}

// Unregister removes pid from the table, regardless of process liveness.
func (r *Registry) Unregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, pid)
}

// Touch updates last-activity and optional token deltas for pid.
func (r *Registry) Touch(pid int, inputDelta, outputDelta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if !ok {
		return
	}
	e.LastActivityAt = time.Now()
	e.InputTokens += inputDelta
	e.OutputTokens += outputDelta
}

// Get returns a snapshot of one entry.
func (r *Registry) Get(pid int) (models.RegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if !ok {
		return models.RegistryEntry{}, false
	}
	return *e, true
}

// GetAll returns a snapshot of every live entry.
func (r *Registry) GetAll() []models.RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Size returns the number of currently registered entries.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// isZombie reports whether entry exceeds its age or idle thresholds.
func (r *Registry) isZombie(e *models.RegistryEntry, now time.Time) bool {
	if r.opts.MaxAge > 0 && now.Sub(e.SpawnedAt) > r.opts.MaxAge {
		return true
	}
	if r.opts.MaxIdle > 0 && now.Sub(e.LastActivityAt) > r.opts.MaxIdle {
		return true
	}
	return false
}

// GetZombies returns a snapshot of every entry currently classified zombie.
func (r *Registry) GetZombies() []models.RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []models.RegistryEntry
	for _, e := range r.entries {
		if r.isZombie(e, now) {
			out = append(out, *e)
		}
	}
	return out
}

// Kill sends TERM to pid and unregisters it. Killing an already-dead pid is
// non-fatal: the entry is removed regardless of signal outcome.
func (r *Registry) Kill(pid int) {
	terminate(pid)
	r.mu.Lock()
	r.killed++
	delete(r.entries, pid)
	r.mu.Unlock()
}

// Reap kills and unregisters every current zombie, invoking onReap for each.
func (r *Registry) Reap() {
	for _, entry := range r.GetZombies() {
		terminate(entry.PID)
		r.mu.Lock()
		delete(r.entries, entry.PID)
		r.reaped++
		r.mu.Unlock()
		if r.onReap != nil {
			r.onReap(entry)
		}
	}
}

// terminate sends SIGTERM to pid. Signalling a pid that no longer exists is
// non-fatal — the caller unregisters the entry regardless.
func terminate(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Debug().Err(err).Int("pid", pid).Msg("terminate signal failed, unregistering anyway")
	}
}

// Stats returns a frozen snapshot of the registry's monotonic counters.
func (r *Registry) Stats() models.RegistryMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.RegistryMetrics{
		Registered: r.registered,
		Reaped:     r.reaped,
		Killed:     r.killed,
	}
}
