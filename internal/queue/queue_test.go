package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepunch/internal/domain"
	"sitepunch/internal/queue"
)

// fakeExec records replayed keys and fails the ones listed in errs.
type fakeExec struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeExec) fail(key string, err error) {
	if f.errs == nil {
		f.errs = map[string]error{}
	}
	f.errs[key] = err
}

func (f *fakeExec) record(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	return f.errs[key]
}

func (f *fakeExec) ExecClockIn(_ context.Context, key string, _ queue.ClockInPayload) error {
	return f.record(key)
}

func (f *fakeExec) ExecClockOut(_ context.Context, key string, _ queue.ClockOutPayload) error {
	return f.record(key)
}

// tickClock hands out strictly increasing timestamps so enqueue order is
// unambiguous.
func tickClock() func() time.Time {
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	var n int
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func newTestQueue(opts queue.Options) (*queue.Queue, *fakeExec) {
	exec := &fakeExec{}
	q := queue.New(queue.NewMemoryStore(), exec, opts, zerolog.Nop())
	q.Now = tickClock()
	return q, exec
}

func clockInOp(key string) queue.Operation {
	return queue.Operation{
		Kind:           queue.KindClockIn,
		IdempotencyKey: key,
		ClockIn: &queue.ClockInPayload{
			WorkerID: "w1",
			JobID:    "job-1",
			At:       "2025-03-01T08:00:00Z",
			Location: domain.Location{Lat: 37.7793, Lng: -122.4193},
		},
	}
}

func TestEnqueueAndDrainFIFO(t *testing.T) {
	q, exec := newTestQueue(queue.Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, clockInOp(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
	}
	report, err := q.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Confirmed)
	assert.Equal(t, []string{"key-0", "key-1", "key-2", "key-3", "key-4"}, exec.calls)
}

func TestEnqueueDuplicateKeyCollapses(t *testing.T) {
	q, _ := newTestQueue(queue.Options{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, clockInOp("key-1"))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, clockInOp("key-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
}

func TestEnqueueValidatesUnion(t *testing.T) {
	q, _ := newTestQueue(queue.Options{})
	ctx := context.Background()

	op := clockInOp("key-1")
	op.ClockOut = &queue.ClockOutPayload{WorkerID: "w1", At: "2025-03-01T09:00:00Z"}
	_, err := q.Enqueue(ctx, op)
	assert.Error(t, err)

	op = clockInOp("key-2")
	op.ClockIn = nil
	_, err = q.Enqueue(ctx, op)
	assert.Error(t, err)

	op = clockInOp("")
	_, err = q.Enqueue(ctx, op)
	assert.Error(t, err)
}

func TestEnqueueFullQueue(t *testing.T) {
	q, _ := newTestQueue(queue.Options{Capacity: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, clockInOp(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, clockInOp("key-overflow"))
	assert.ErrorIs(t, err, queue.ErrQueueFull)

	// draining frees capacity
	_, err = q.DrainOnce(ctx)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, clockInOp("key-overflow"))
	assert.NoError(t, err)
}

func TestDrainFailureIsolation(t *testing.T) {
	q, exec := newTestQueue(queue.Options{})
	ctx := context.Background()

	exec.fail("key-1", errors.New("connection refused"))
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, clockInOp(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
	}
	report, err := q.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Confirmed)
	assert.Equal(t, 1, report.Retryable)
	// all three were attempted
	assert.Len(t, exec.calls, 3)

	// transient failure stays queued and replays on the next drain
	exec.errs = nil
	report, err = q.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
}

func TestDrainTerminalFailure(t *testing.T) {
	q, exec := newTestQueue(queue.Options{})
	ctx := context.Background()

	exec.fail("key-0", queue.Terminal(errors.New("not_assigned")))
	_, err := q.Enqueue(ctx, clockInOp("key-0"))
	require.NoError(t, err)

	report, err := q.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Queued)

	// terminally failed ops are not replayed
	exec.calls = nil
	report, err = q.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.DrainReport{}, report)
	assert.Empty(t, exec.calls)
}

func TestDrainSingleFlight(t *testing.T) {
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	blockingExec := &blockedExec{started: started, release: release}
	q2 := queue.New(queue.NewMemoryStore(), blockingExec, queue.Options{}, zerolog.Nop())
	q2.Now = tickClock()
	_, err := q2.Enqueue(ctx, clockInOp("key-0"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q2.DrainOnce(ctx)
		done <- err
	}()
	<-started
	_, err = q2.DrainOnce(ctx)
	assert.ErrorIs(t, err, queue.ErrDrainInProgress)
	close(release)
	require.NoError(t, <-done)
}

type blockedExec struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockedExec) ExecClockIn(context.Context, string, queue.ClockInPayload) error {
	close(b.started)
	<-b.release
	return nil
}

func (b *blockedExec) ExecClockOut(context.Context, string, queue.ClockOutPayload) error {
	return nil
}

func TestRetryFailed(t *testing.T) {
	q, exec := newTestQueue(queue.Options{})
	ctx := context.Background()

	exec.fail("key-0", queue.Terminal(errors.New("job not found")))
	_, err := q.Enqueue(ctx, clockInOp("key-0"))
	require.NoError(t, err)
	_, err = q.DrainOnce(ctx)
	require.NoError(t, err)

	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exec.errs = nil
	report, err := q.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
}

func TestClearProcessedAndCleanup(t *testing.T) {
	q, exec := newTestQueue(queue.Options{Retention: 24 * time.Hour})
	ctx := context.Background()

	exec.fail("key-1", queue.Terminal(errors.New("rejected")))
	_, err := q.Enqueue(ctx, clockInOp("key-0"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, clockInOp("key-1"))
	require.NoError(t, err)
	_, err = q.DrainOnce(ctx)
	require.NoError(t, err)

	// clear removes confirmed only; the failed op stays for inspection
	n, err := q.ClearProcessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	// retention purge removes the old failed op once the clock moves on
	q.Now = func() time.Time { return time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC) }
	n, err = q.CleanupOldItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Confirmed)
}

func TestShouldWarn(t *testing.T) {
	q, _ := newTestQueue(queue.Options{Capacity: 10, WarnThreshold: 2})
	ctx := context.Background()

	warn, err := q.ShouldWarn(ctx)
	require.NoError(t, err)
	assert.False(t, warn)

	_, err = q.Enqueue(ctx, clockInOp("key-0"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, clockInOp("key-1"))
	require.NoError(t, err)

	warn, err = q.ShouldWarn(ctx)
	require.NoError(t, err)
	assert.True(t, warn)
}

func TestStatsTotalsAndUsage(t *testing.T) {
	q, exec := newTestQueue(queue.Options{Capacity: 10})
	ctx := context.Background()

	for _, key := range []string{"key-0", "key-1", "key-2", "key-3"} {
		_, err := q.Enqueue(ctx, clockInOp(key))
		require.NoError(t, err)
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 4, stats.Queued)
	assert.Equal(t, 40.0, stats.UsagePct)

	exec.fail("key-1", queue.Terminal(errors.New("not_assigned")))
	_, err = q.DrainOnce(ctx)
	require.NoError(t, err)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Confirmed)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Queued)
	assert.Zero(t, stats.UsagePct)
}

func TestOperationState(t *testing.T) {
	op := queue.Operation{}
	assert.Equal(t, queue.StateQueued, op.State())
	op.Done = true
	assert.Equal(t, queue.StateConfirmed, op.State())
	op.LastError = "rejected"
	assert.Equal(t, queue.StateFailed, op.State())
}
