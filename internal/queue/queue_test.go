package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

func newTestQueue(opts Options) *Queue {
	if opts.MaxQueueTotal == 0 {
		opts.MaxQueueTotal = 100
	}
	if opts.MaxQueuePerSource == 0 {
		opts.MaxQueuePerSource = 100
	}
	if opts.DefaultSourceConcurrency == 0 {
		opts.DefaultSourceConcurrency = 10
	}
	return New(opts)
}

func TestRoundRobinFairness(t *testing.T) {
	q := newTestQueue(Options{MaxConcurrent: 1})
	ctx := context.Background()

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	// Hold the only slot so every following request has to queue.
	hold, err := q.Acquire(ctx, "H", models.PriorityNormal)
	require.NoError(t, err)

	submit := func(id, source string) {
		queued := q.Depth()
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := q.Acquire(ctx, source, models.PriorityNormal)
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			release()
		}()
		// Wait until this request is queued so the enqueue order is fixed.
		require.Eventually(t, func() bool { return q.Depth() == queued+1 }, time.Second, time.Millisecond)
	}

	// Queue 4 from each source, all of A's before any of B's; dispatch must
	// still alternate between the two sources.
	for _, id := range []string{"A1", "A2", "A3", "A4"} {
		submit(id, "A")
	}
	for _, id := range []string{"B1", "B2", "B3", "B4"} {
		submit(id, "B")
	}
	hold()
	wg.Wait()

	assert.True(t, len(order) >= 8)
	assert.Equal(t, []string{"A1", "B1", "A2", "B2", "A3", "B3", "A4", "B4"}, order)
}

func TestPriorityWithinSource(t *testing.T) {
	q := newTestQueue(Options{MaxConcurrent: 0})
	ctx := context.Background()

	prios := []models.Priority{models.PriorityLow, models.PriorityLow, models.PriorityHigh, models.PriorityNormal, models.PriorityHigh, models.PriorityLow}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var dispatchOrder []models.Priority

	for _, p := range prios {
		wg.Add(1)
		go func(p models.Priority) {
			defer wg.Done()
			release, err := q.Acquire(ctx, "s1", p)
			if err == nil {
				mu.Lock()
				dispatchOrder = append(dispatchOrder, p)
				mu.Unlock()
				release()
			}
		}(p)
	}

	time.Sleep(20 * time.Millisecond)

	q.mu.Lock()
	q.opts.MaxConcurrent = 1
	q.dispatchLocked()
	q.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	wg.Wait()

	assert.Equal(t, []models.Priority{
		models.PriorityHigh, models.PriorityHigh, models.PriorityNormal,
		models.PriorityLow, models.PriorityLow, models.PriorityLow,
	}, dispatchOrder)
}

func TestQueueTimeout(t *testing.T) {
	q := newTestQueue(Options{MaxConcurrent: 0, QueueTimeout: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	start := time.Now()
	_, err := q.Acquire(ctx, "s1", models.PriorityNormal)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.True(t, elapsed >= 40*time.Millisecond)

	stats := q.Stats()
	assert.Equal(t, int64(0), stats.Processed)
	assert.Equal(t, int64(1), stats.TimedOut)
}

func TestReleaseIdempotence(t *testing.T) {
	q := newTestQueue(Options{MaxConcurrent: 1})
	release, err := q.Acquire(context.Background(), "s1", models.PriorityNormal)
	require.NoError(t, err)

	assert.Equal(t, 1, q.ActiveCount())
	release()
	release()
	release()
	assert.Equal(t, 0, q.ActiveCount())
}

func TestLeaseLeakRecovery(t *testing.T) {
	q := newTestQueue(Options{MaxConcurrent: 1, MaxLease: 30 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	_, err := q.Acquire(ctx, "s1", models.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, q.ActiveCount())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, q.ActiveCount())

	_, err = q.Acquire(ctx, "s1", models.PriorityNormal)
	assert.NoError(t, err)
}

func TestQueueFull(t *testing.T) {
	q := newTestQueue(Options{MaxConcurrent: 0, MaxQueueTotal: 1, MaxQueuePerSource: 1})
	ctx := context.Background()

	go q.Acquire(ctx, "s1", models.PriorityNormal)
	time.Sleep(10 * time.Millisecond)

	_, err := q.Acquire(ctx, "s1", models.PriorityNormal)
	assert.ErrorIs(t, err, ErrQueueFull)
}
