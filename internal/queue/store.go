package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var ErrOpNotFound = errors.New("operation not found")

// Store persists queued operations. Implementations are owned exclusively
// by the Queue; nothing else reads or writes them.
type Store interface {
	Append(ctx context.Context, op Operation) error
	ByKey(ctx context.Context, key string) (Operation, error)
	Pending(ctx context.Context) ([]Operation, error)
	All(ctx context.Context) ([]Operation, error)
	MarkConfirmed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string, terminal bool) error
	Requeue(ctx context.Context, id string) error
	DeleteConfirmed(ctx context.Context) (int, error)
	DeleteDoneBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountPending(ctx context.Context) (int, error)
	Close() error
}

const opColumns = `id,kind,idempotency_key,payload,enqueued_at,retry_count,done,last_error,confirmed_at`

// SQLiteStore keeps the queue in its own database file so queued actions
// survive process restarts on the device.
type SQLiteStore struct {
	db *sql.DB
}

const storeSchema = `CREATE TABLE IF NOT EXISTS queue_ops (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload         TEXT NOT NULL,
	enqueued_at     TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	done            INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	confirmed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_ops_pending ON queue_ops(done, enqueued_at);`

// OpenSQLiteStore opens (creating if needed) the queue database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared", path))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, op Operation) error {
	payload, err := op.payloadJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO queue_ops(`+opColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		op.ID, string(op.Kind), op.IdempotencyKey, payload, op.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		op.RetryCount, op.Done, nullableStr(op.LastError), nullableTime(op.ConfirmedAt))
	return err
}

func scanOp(sc interface{ Scan(...any) error }) (Operation, error) {
	var op Operation
	var kind, payload, enqueuedAt string
	var lastError, confirmedAt sql.NullString
	err := sc.Scan(&op.ID, &kind, &op.IdempotencyKey, &payload, &enqueuedAt, &op.RetryCount, &op.Done, &lastError, &confirmedAt)
	if err == sql.ErrNoRows {
		return op, ErrOpNotFound
	}
	if err != nil {
		return op, err
	}
	op.Kind = Kind(kind)
	op.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt)
	if err != nil {
		return op, fmt.Errorf("bad enqueued_at for %s: %w", op.ID, err)
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}
	if confirmedAt.Valid {
		at, err := time.Parse(time.RFC3339Nano, confirmedAt.String)
		if err != nil {
			return op, fmt.Errorf("bad confirmed_at for %s: %w", op.ID, err)
		}
		op.ConfirmedAt = &at
	}
	op.ClockIn, op.ClockOut, err = decodePayload(op.Kind, payload)
	return op, err
}

func (s *SQLiteStore) ByKey(ctx context.Context, key string) (Operation, error) {
	return scanOp(s.db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM queue_ops WHERE idempotency_key=?`, key))
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ops []Operation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Pending returns undone operations in enqueue order.
func (s *SQLiteStore) Pending(ctx context.Context) ([]Operation, error) {
	return s.query(ctx, `SELECT `+opColumns+` FROM queue_ops WHERE done=0 ORDER BY enqueued_at ASC, id ASC`)
}

func (s *SQLiteStore) All(ctx context.Context) ([]Operation, error) {
	return s.query(ctx, `SELECT `+opColumns+` FROM queue_ops ORDER BY enqueued_at ASC, id ASC`)
}

func (s *SQLiteStore) MarkConfirmed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queue_ops SET done=1, last_error=NULL, confirmed_at=? WHERE id=?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOpNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, errMsg string, terminal bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queue_ops SET done=?, last_error=?, retry_count=retry_count+1 WHERE id=?`,
		terminal, errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOpNotFound
	}
	return nil
}

func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queue_ops SET done=0, last_error=NULL WHERE id=? AND done=1 AND last_error IS NOT NULL AND last_error != ''`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOpNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteConfirmed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_ops WHERE done=1 AND (last_error IS NULL OR last_error='')`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteDoneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_ops WHERE done=1 AND enqueued_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM queue_ops WHERE done=0`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(time.RFC3339Nano)
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu  sync.Mutex
	ops map[string]*Operation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: map[string]*Operation{}}
}

func (s *MemoryStore) Append(_ context.Context, op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.ops {
		if existing.IdempotencyKey == op.IdempotencyKey {
			return fmt.Errorf("duplicate idempotency key %s", op.IdempotencyKey)
		}
	}
	cp := op
	s.ops[op.ID] = &cp
	return nil
}

func (s *MemoryStore) ByKey(_ context.Context, key string) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops {
		if op.IdempotencyKey == key {
			return *op, nil
		}
	}
	return Operation{}, ErrOpNotFound
}

func (s *MemoryStore) sorted() []*Operation {
	ops := make([]*Operation, 0, len(s.ops))
	for _, op := range s.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].EnqueuedAt.Equal(ops[j].EnqueuedAt) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
	})
	return ops
}

func (s *MemoryStore) Pending(_ context.Context) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Operation
	for _, op := range s.sorted() {
		if !op.Done {
			res = append(res, *op)
		}
	}
	return res, nil
}

func (s *MemoryStore) All(_ context.Context) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Operation
	for _, op := range s.sorted() {
		res = append(res, *op)
	}
	return res, nil
}

func (s *MemoryStore) MarkConfirmed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return ErrOpNotFound
	}
	op.Done = true
	op.LastError = ""
	op.ConfirmedAt = &at
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, errMsg string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return ErrOpNotFound
	}
	op.Done = terminal
	op.LastError = errMsg
	op.RetryCount++
	return nil
}

func (s *MemoryStore) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok || !op.Done || op.LastError == "" {
		return ErrOpNotFound
	}
	op.Done = false
	op.LastError = ""
	return nil
}

func (s *MemoryStore) DeleteConfirmed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, op := range s.ops {
		if op.Done && op.LastError == "" {
			delete(s.ops, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteDoneBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, op := range s.ops {
		if op.Done && op.EnqueuedAt.Before(cutoff) {
			delete(s.ops, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountPending(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, op := range s.ops {
		if !op.Done {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
