// Package queue implements the fair, per-source request queue that sits in
// front of worker dispatch: priority-sorted FIFO per source, round-robin
// rotation across sources, global and per-source concurrency caps, and a
// periodic sweep that evicts stale waiters and reclaims leaked leases.
package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// ErrQueueFull is returned when the total or per-source cap is already at
// its limit at enqueue time.
var ErrQueueFull = errors.New("queue full")

// ErrQueueTimeout is returned when a waiter's enqueue age exceeds the
// configured queue timeout before a slot was granted.
var ErrQueueTimeout = errors.New("queue timeout")

// ReleaseFunc releases a granted slot. Calling it more than once is a no-op.
type ReleaseFunc func()

type entry struct {
	requestID string
	sourceID  string
	priority  models.Priority
	enqueued  time.Time
	resolver  chan result
	timer     *time.Timer
}

type result struct {
	release ReleaseFunc
	err     error
}

type lease struct {
	sourceID   string
	acquiredAt time.Time
	released   bool
}

// Metrics is a frozen snapshot of the queue's monotonic counters.
type Metrics struct {
	Processed int64
	TimedOut  int64
	Rejected  int64
	Leaked    int64
	PerSource map[string]models.SourceMetrics
}

// Options configures a Queue's caps and timers.
type Options struct {
	MaxConcurrent            int
	MaxQueueTotal            int
	MaxQueuePerSource        int
	QueueTimeout             time.Duration
	MaxLease                 time.Duration
	SweepInterval            time.Duration
	DefaultSourceConcurrency int
	SourceConcurrency        map[string]int
}

// Queue is a single-owner component: every exported method takes the
// internal lock for the duration of its state mutation, so operations are
// indivisible from the perspective of any observer.
type Queue struct {
	mu sync.Mutex

	opts Options

	bySource map[string][]*entry
	order    []string // sources with a non-empty queue, insertion order of first appearance
	cursor   int

	activeTotal  int
	activeBySrc  map[string]int
	totalQueued  int
	leases       map[int64]*lease
	nextLeaseID  int64

	processed int64
	timedOut  int64
	rejected  int64
	leaked    int64
	perSource map[string]*models.SourceMetrics

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Queue. Call Start to run its periodic sweep.
func New(opts Options) *Queue {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	return &Queue{
		opts:        opts,
		bySource:    make(map[string][]*entry),
		activeBySrc: make(map[string]int),
		leases:      make(map[int64]*lease),
		perSource:   make(map[string]*models.SourceMetrics),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the periodic sweep until ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	ticker := time.NewTicker(q.opts.SweepInterval)
	go func() {
		defer ticker.Stop()
		defer close(q.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-ticker.C:
				q.sweep()
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

func (q *Queue) sourceCap(sourceID string) int {
	if cap, ok := q.opts.SourceConcurrency[sourceID]; ok {
		return cap
	}
	return q.opts.DefaultSourceConcurrency
}

// Acquire blocks (bounded by ctx and the configured queue timeout) until a
// global concurrency slot is granted, or returns ErrQueueFull / ErrQueueTimeout.
func (q *Queue) Acquire(ctx context.Context, sourceID string, priority models.Priority) (ReleaseFunc, error) {
	q.mu.Lock()

	if q.tryFastPath(sourceID) {
		release := q.grant(sourceID)
		q.mu.Unlock()
		return release, nil
	}

	if q.totalQueued >= q.opts.MaxQueueTotal || len(q.bySource[sourceID]) >= q.opts.MaxQueuePerSource {
		q.rejected++
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	e := &entry{
		requestID: newRequestID(),
		sourceID:  sourceID,
		priority:  priority,
		enqueued:  time.Now(),
		resolver:  make(chan result, 1),
	}
	q.enqueue(e)
	q.totalQueued++
	q.dispatchLocked()
	q.mu.Unlock()

	select {
	case res := <-e.resolver:
		return res.release, res.err
	case <-ctx.Done():
		q.cancelWaiter(e)
		return nil, ctx.Err()
	}
}

// tryFastPath grants immediately iff global slots are available, the source
// is under its per-source active cap, and nothing is already queued for it.
func (q *Queue) tryFastPath(sourceID string) bool {
	if q.activeTotal >= q.opts.MaxConcurrent {
		return false
	}
	if q.activeBySrc[sourceID] >= q.sourceCap(sourceID) {
		return false
	}
	if len(q.bySource[sourceID]) > 0 {
		return false
	}
	return true
}

func (q *Queue) enqueue(e *entry) {
	list := q.bySource[e.sourceID]
	insertAt := len(list)
	for i, other := range list {
		if models.PriorityRank(e.priority) < models.PriorityRank(other.priority) {
			insertAt = i
			break
		}
	}
	list = append(list, nil)
	copy(list[insertAt+1:], list[insertAt:])
	list[insertAt] = e
	q.bySource[e.sourceID] = list

	if len(list) == 1 {
		q.order = append(q.order, e.sourceID)
	}
}

// dispatchLocked grants queued waiters while slots and per-source caps allow,
// rotating the cursor across sources in round-robin order. Must be called
// with q.mu held.
func (q *Queue) dispatchLocked() {
	for q.activeTotal < q.opts.MaxConcurrent && len(q.order) > 0 {
		granted := false
		attempts := len(q.order)
		for i := 0; i < attempts; i++ {
			if q.cursor >= len(q.order) {
				q.cursor = 0
			}
			sourceID := q.order[q.cursor]
			q.cursor++

			list := q.bySource[sourceID]
			if len(list) == 0 {
				q.removeFromOrder(sourceID)
				i--
				attempts--
				continue
			}
			if q.activeBySrc[sourceID] >= q.sourceCap(sourceID) {
				continue
			}

			e := list[0]
			q.bySource[sourceID] = list[1:]
			q.totalQueued--
			if len(q.bySource[sourceID]) == 0 {
				q.removeFromOrder(sourceID)
			}
			if e.timer != nil {
				e.timer.Stop()
			}
			release := q.grant(sourceID)
			e.resolver <- result{release: release}
			granted = true
			break
		}
		if !granted {
			break
		}
	}
}

func (q *Queue) removeFromOrder(sourceID string) {
	for i, s := range q.order {
		if s == sourceID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			if q.cursor > i {
				q.cursor--
			}
			return
		}
	}
}

func (q *Queue) grant(sourceID string) ReleaseFunc {
	q.activeTotal++
	q.activeBySrc[sourceID]++
	q.nextLeaseID++
	id := q.nextLeaseID
	q.leases[id] = &lease{sourceID: sourceID, acquiredAt: time.Now()}
	q.metricsFor(sourceID).Processed++
	q.processed++

	var once sync.Once
	return func() {
		once.Do(func() {
			q.release(id)
		})
	}
}

func (q *Queue) release(leaseID int64) {
	q.mu.Lock()
	l, ok := q.leases[leaseID]
	if !ok || l.released {
		q.mu.Unlock()
		return
	}
	l.released = true
	delete(q.leases, leaseID)
	q.activeTotal--
	q.activeBySrc[l.sourceID]--
	q.dispatchLocked()
	q.mu.Unlock()
}

func (q *Queue) cancelWaiter(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case res := <-e.resolver:
		if res.release != nil {
			res.release()
		}
		return
	default:
	}
	list := q.bySource[e.sourceID]
	for i, other := range list {
		if other == e {
			q.bySource[e.sourceID] = append(list[:i], list[i+1:]...)
			q.totalQueued--
			if len(q.bySource[e.sourceID]) == 0 {
				q.removeFromOrder(e.sourceID)
			}
			break
		}
	}
}

// sweep evicts timed-out waiters and force-releases leaked leases.
func (q *Queue) sweep() {
	q.mu.Lock()
	now := time.Now()
	for sourceID, list := range q.bySource {
		kept := list[:0:0]
		for _, e := range list {
			if q.opts.QueueTimeout > 0 && now.Sub(e.enqueued) > q.opts.QueueTimeout {
				q.totalQueued--
				q.timedOut++
				q.metricsFor(sourceID).Throttled++
				e.resolver <- result{err: ErrQueueTimeout}
				continue
			}
			kept = append(kept, e)
		}
		q.bySource[sourceID] = kept
		if len(kept) == 0 {
			q.removeFromOrder(sourceID)
		}
	}

	if q.opts.MaxLease > 0 {
		for id, l := range q.leases {
			if l.released {
				continue
			}
			if now.Sub(l.acquiredAt) > q.opts.MaxLease {
				l.released = true
				delete(q.leases, id)
				q.activeTotal--
				q.activeBySrc[l.sourceID]--
				q.leaked++
			}
		}
	}

	q.dispatchLocked()
	q.mu.Unlock()
}

func (q *Queue) metricsFor(sourceID string) *models.SourceMetrics {
	m, ok := q.perSource[sourceID]
	if !ok {
		m = &models.SourceMetrics{}
		q.perSource[sourceID] = m
	}
	return m
}

// Stats returns a frozen snapshot of the queue's counters.
func (q *Queue) Stats() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	per := make(map[string]models.SourceMetrics, len(q.perSource))
	for k, v := range q.perSource {
		per[k] = *v
	}
	return Metrics{
		Processed: q.processed,
		TimedOut:  q.timedOut,
		Rejected:  q.rejected,
		Leaked:    q.leaked,
		PerSource: per,
	}
}

// Depth returns the total number of currently queued (not yet active) entries.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalQueued
}

// ActiveCount returns the number of currently held slots.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeTotal
}

var requestIDCounter int64
var requestIDMu sync.Mutex

// newRequestID is a process-local monotonic id used only to label a queue
// entry for tracing; request identity itself comes from the caller.
func newRequestID() string {
	requestIDMu.Lock()
	defer requestIDMu.Unlock()
	requestIDCounter++
	return strconv.FormatInt(requestIDCounter, 10)
}
