package queue_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	metrics "github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	queue "github.com/kinegraph/pulseferry/pkg/ferry/queue"
)

// newTestQueue builds a pending queue over a temp data dir.
func newTestQueue(t *testing.T, maxEntries int) (*queue.Queue, *config.Config) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Pulseferry.DataDir = t.TempDir()
	cfg.Pulseferry.Queue.MaxEntries = maxEntries
	q, err := queue.NewPendingQueue(cfg, metrics.NewNoOpMetricRecorder())
	require.NoError(t, err)
	return q, cfg
}

// makeBatch builds a small batch whose id carries the given creation time and
// sequence, so queue order is controlled by the test.
func makeBatch(createdAt time.Time, seq uint64) *model.Batch {
	return &model.Batch{
		BatchID:   model.NewBatchID(createdAt, seq),
		CreatedAt: createdAt.UnixMilli(),
		Samples:   []model.Sample{{Timestamp: createdAt.UnixMilli(), PrimaryValue: 0.5}},
	}
}

// TestEnqueueListRemove verifies the durable round trip and FIFO order.
func TestEnqueueListRemove(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	t0 := time.UnixMilli(1755700000000)
	b1 := makeBatch(t0, 1)
	b2 := makeBatch(t0, 2)
	b3 := makeBatch(t0.Add(time.Second), 0)

	// Enqueue out of creation order; listing must still be FIFO.
	for _, b := range []*model.Batch{b3, b1, b2} {
		key, err := q.Enqueue(ctx, b)
		require.NoError(t, err)
		assert.NotEmpty(t, key)
	}

	entries, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, b1.BatchID, entries[0].Batch.BatchID)
	assert.Equal(t, b2.BatchID, entries[1].Batch.BatchID)
	assert.Equal(t, b3.BatchID, entries[2].Batch.BatchID)
	assert.Equal(t, 0, entries[0].FailureCount)
	assert.NotZero(t, entries[0].EnqueuedAt)

	require.NoError(t, q.Remove(ctx, entries[0].Key))
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	// Removing an already-removed key is not an error.
	assert.NoError(t, q.Remove(ctx, entries[0].Key))
}

// TestEnqueue_OverwriteSameBatch verifies re-enqueueing a batch id replaces
// the entry instead of duplicating it.
func TestEnqueue_OverwriteSameBatch(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	b := makeBatch(time.UnixMilli(1755700000000), 1)
	_, err := q.Enqueue(ctx, b)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, b)
	require.NoError(t, err)

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

// TestUpdate_PersistsFailureCount verifies Update rewrites bookkeeping in
// place without disturbing queue order.
func TestUpdate_PersistsFailureCount(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, makeBatch(time.UnixMilli(1755700000000), 1))
	require.NoError(t, err)

	entries, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries[0].FailureCount = 2
	entries[0].LastError = "410 gone"
	require.NoError(t, q.Update(ctx, entries[0]))

	reloaded, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	assert.Equal(t, entries[0].Key, reloaded[0].Key)
	assert.Equal(t, 2, reloaded[0].FailureCount)
	assert.Equal(t, "410 gone", reloaded[0].LastError)
}

// TestOverflowEvictsOldest verifies the bounded-disk trade-off: beyond the
// cap the oldest entries are dropped, newest kept.
func TestOverflowEvictsOldest(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	t0 := time.UnixMilli(1755700000000)
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		b := makeBatch(t0.Add(time.Duration(i)*time.Second), 0)
		ids = append(ids, b.BatchID)
		_, err := q.Enqueue(ctx, b)
		require.NoError(t, err)
	}

	entries, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ids[2], entries[0].Batch.BatchID)
	assert.Equal(t, ids[3], entries[1].Batch.BatchID)
	assert.Equal(t, ids[4], entries[2].Batch.BatchID)
}

// TestListPending_QuarantinesUnreadable verifies empty and corrupt entry
// files are moved aside and never crash a scan.
func TestListPending_QuarantinesUnreadable(t *testing.T) {
	q, cfg := newTestQueue(t, 0)
	ctx := context.Background()

	good := makeBatch(time.UnixMilli(1755700000000), 7)
	_, err := q.Enqueue(ctx, good)
	require.NoError(t, err)

	queueDir := cfg.Pulseferry.QueueDir()
	require.NoError(t, os.WriteFile(filepath.Join(queueDir, "0000000000000-000000-00000000.batch.json"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(queueDir, "0000000000001-000000-00000000.batch.json"), []byte("{broken"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(queueDir, "0000000000002-000000-00000000.batch.json"), []byte(`{"enqueued_at":1}`), 0600))

	entries, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, good.BatchID, entries[0].Batch.BatchID)

	quarantined, err := filepath.Glob(filepath.Join(cfg.Pulseferry.QuarantineDir(), "*.batch.json"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 3)

	// The scan is stable: a second pass sees only the good entry.
	entries, err = q.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestMoveToDeadLetter verifies the entry file is preserved under the
// dead-letter directory.
func TestMoveToDeadLetter(t *testing.T) {
	q, cfg := newTestQueue(t, 0)
	ctx := context.Background()

	b := makeBatch(time.UnixMilli(1755700000000), 1)
	key, err := q.Enqueue(ctx, b)
	require.NoError(t, err)

	require.NoError(t, q.MoveToDeadLetter(ctx, key))

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	_, statErr := os.Stat(filepath.Join(cfg.Pulseferry.DeadLetterDir(), key))
	assert.NoError(t, statErr)
}

// TestKeyValidation verifies traversal-shaped keys are rejected.
func TestKeyValidation(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	assert.Error(t, q.Remove(ctx, ""))
	assert.Error(t, q.Remove(ctx, "../escape.batch.json"))
	assert.Error(t, q.Remove(ctx, "plainname"))
	assert.Error(t, q.MoveToDeadLetter(ctx, "nested/key.batch.json"))
}
