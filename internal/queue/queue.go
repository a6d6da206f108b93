package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sitepunch/internal/metrics"
)

var (
	// ErrQueueFull blocks new actions until the worker resolves pending
	// items, typically by regaining connectivity and draining.
	ErrQueueFull = errors.New("offline queue is full")

	// ErrDrainInProgress means another drain holds the single-flight slot.
	ErrDrainInProgress = errors.New("drain already in progress")
)

// Executor submits a queued operation to the server. Implementations wrap
// errors with Terminal when the server definitively rejected the operation
// and a retry can never succeed.
type Executor interface {
	ExecClockIn(ctx context.Context, idempotencyKey string, p ClockInPayload) error
	ExecClockOut(ctx context.Context, idempotencyKey string, p ClockOutPayload) error
}

// TerminalError marks an admission failure: the server understood the
// operation and refused it. The queue marks such ops failed instead of
// retrying them forever.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err carries a TerminalError anywhere in its chain.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// Options bound the queue. Zero values fall back to the defaults below.
type Options struct {
	Capacity      int
	WarnThreshold int
	Retention     time.Duration
}

const (
	defaultCapacity      = 100
	defaultWarnThreshold = 50
	defaultRetention     = 7 * 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = defaultCapacity
	}
	if o.WarnThreshold <= 0 {
		o.WarnThreshold = defaultWarnThreshold
	}
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	return o
}

// Queue is the client-side offline operation queue. Enqueue captures
// attendance actions while the device is offline; DrainOnce replays them to
// the server in FIFO order once connectivity returns.
type Queue struct {
	store Store
	exec  Executor
	opts  Options
	log   zerolog.Logger
	Now   func() time.Time

	mu       sync.Mutex
	draining bool
}

func New(store Store, exec Executor, opts Options, log zerolog.Logger) *Queue {
	return &Queue{
		store: store,
		exec:  exec,
		opts:  opts.withDefaults(),
		log:   log,
		Now:   time.Now,
	}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue validates and persists an operation. Re-enqueueing an idempotency
// key returns the already queued operation without adding a duplicate, so a
// tapped-twice button collapses to one op. A full queue refuses the action.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Operation, error) {
	if err := op.validate(); err != nil {
		return Operation{}, err
	}
	if existing, err := q.store.ByKey(ctx, op.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrOpNotFound) {
		return Operation{}, err
	}
	pending, err := q.store.CountPending(ctx)
	if err != nil {
		return Operation{}, err
	}
	if pending >= q.opts.Capacity {
		return Operation{}, ErrQueueFull
	}
	op.ID = uuid.NewString()
	op.EnqueuedAt = q.now().UTC()
	op.RetryCount = 0
	op.Done = false
	op.LastError = ""
	op.ConfirmedAt = nil
	if err := q.store.Append(ctx, op); err != nil {
		return Operation{}, err
	}
	q.log.Debug().Str("op_id", op.ID).Str("kind", string(op.Kind)).Msg("operation enqueued")
	return op, nil
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Retryable int `json:"retryable"`
}

// DrainOnce replays pending operations in FIFO order. Only one drain runs
// at a time; a concurrent call returns ErrDrainInProgress without touching
// the queue. One op failing never blocks the ones behind it: transient
// errors leave the op queued for the next drain, terminal errors mark it
// failed, and in both cases the pass moves on.
func (q *Queue) DrainOnce(ctx context.Context) (DrainReport, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainReport{}, ErrDrainInProgress
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	pending, err := q.store.Pending(ctx)
	if err != nil {
		return DrainReport{}, err
	}
	var report DrainReport
	for _, op := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		execErr := q.execute(ctx, op)
		switch {
		case execErr == nil:
			if err := q.store.MarkConfirmed(ctx, op.ID, q.now().UTC()); err != nil {
				return report, err
			}
			metrics.IncQueueDrain("confirmed")
			report.Confirmed++
		case IsTerminal(execErr):
			if err := q.store.MarkFailed(ctx, op.ID, execErr.Error(), true); err != nil {
				return report, err
			}
			metrics.IncQueueDrain("failed")
			q.log.Warn().Str("op_id", op.ID).Err(execErr).Msg("operation rejected by server")
			report.Failed++
		default:
			if err := q.store.MarkFailed(ctx, op.ID, execErr.Error(), false); err != nil {
				return report, err
			}
			metrics.IncQueueDrain("retryable")
			q.log.Debug().Str("op_id", op.ID).Err(execErr).Msg("operation will retry")
			report.Retryable++
		}
	}
	return report, nil
}

func (q *Queue) execute(ctx context.Context, op Operation) error {
	switch op.Kind {
	case KindClockIn:
		return q.exec.ExecClockIn(ctx, op.IdempotencyKey, *op.ClockIn)
	case KindClockOut:
		return q.exec.ExecClockOut(ctx, op.IdempotencyKey, *op.ClockOut)
	}
	return Terminal(errors.New("unknown operation kind"))
}

// RetryFailed moves terminally failed operations back to queued, for when
// the worker fixed the underlying cause (new assignment, corrected site).
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	ops, err := q.store.All(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, op := range ops {
		if op.State() != StateFailed {
			continue
		}
		if err := q.store.Requeue(ctx, op.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ClearProcessed removes confirmed operations.
func (q *Queue) ClearProcessed(ctx context.Context) (int, error) {
	return q.store.DeleteConfirmed(ctx)
}

// CleanupOldItems purges done operations older than the retention window.
func (q *Queue) CleanupOldItems(ctx context.Context) (int, error) {
	cutoff := q.now().UTC().Add(-q.opts.Retention)
	return q.store.DeleteDoneBefore(ctx, cutoff)
}

// Stats counts operations per state. Total spans every retained operation;
// UsagePct is the queued backlog as a percentage of capacity.
type Stats struct {
	Total     int     `json:"total"`
	Queued    int     `json:"queued"`
	Confirmed int     `json:"confirmed"`
	Failed    int     `json:"failed"`
	Capacity  int     `json:"capacity"`
	UsagePct  float64 `json:"usage_pct"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	ops, err := q.store.All(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(ops), Capacity: q.opts.Capacity}
	for _, op := range ops {
		switch op.State() {
		case StateQueued:
			st.Queued++
		case StateConfirmed:
			st.Confirmed++
		case StateFailed:
			st.Failed++
		}
	}
	if st.Capacity > 0 {
		st.UsagePct = 100 * float64(st.Queued) / float64(st.Capacity)
	}
	return st, nil
}

// ShouldWarn reports whether the pending backlog reached the warn threshold.
func (q *Queue) ShouldWarn(ctx context.Context) (bool, error) {
	pending, err := q.store.CountPending(ctx)
	if err != nil {
		return false, err
	}
	return pending >= q.opts.WarnThreshold, nil
}

// Operations lists every stored operation in enqueue order.
func (q *Queue) Operations(ctx context.Context) ([]Operation, error) {
	return q.store.All(ctx)
}
