package queue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepunch/internal/queue"
)

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := queue.OpenSQLiteStore(path)
	require.NoError(t, err)

	op := clockInOp("key-0")
	op.ID = "op-0"
	op.EnqueuedAt = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, op))
	require.NoError(t, store.Close())

	// simulated app restart
	store, err = queue.OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.ByKey(ctx, "key-0")
	require.NoError(t, err)
	assert.Equal(t, "op-0", got.ID)
	assert.Equal(t, queue.KindClockIn, got.Kind)
	require.NotNil(t, got.ClockIn)
	assert.Equal(t, "w1", got.ClockIn.WorkerID)
	assert.Equal(t, queue.StateQueued, got.State())
}

func TestSQLiteStoreDuplicateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := queue.OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	op := clockInOp("key-0")
	op.ID = "op-0"
	op.EnqueuedAt = time.Now().UTC()
	require.NoError(t, store.Append(ctx, op))

	dup := clockInOp("key-0")
	dup.ID = "op-1"
	dup.EnqueuedAt = time.Now().UTC()
	assert.Error(t, store.Append(ctx, dup))
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := queue.OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, key := range []string{"a", "b", "c"} {
		op := clockInOp(key)
		op.ID = key
		op.EnqueuedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Append(ctx, op))
	}

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "a", pending[0].ID)

	require.NoError(t, store.MarkConfirmed(ctx, "a", base.Add(time.Hour)))
	require.NoError(t, store.MarkFailed(ctx, "b", "rejected", true))
	require.NoError(t, store.MarkFailed(ctx, "c", "timeout", false))

	pending, err = store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].ID)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "timeout", pending[0].LastError)

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// failed op goes back to pending on requeue
	require.NoError(t, store.Requeue(ctx, "b"))
	n, err = store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// confirmed op is removed, pending ones stay
	removed, err := store.DeleteConfirmed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
