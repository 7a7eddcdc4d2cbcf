// Package queue implements the durable file-per-batch FIFO queue. Every entry
// is one JSON file whose name embeds the batch id, so directory order is
// delivery order and a crash between operations never leaves the queue in an
// unrecoverable state: fully written files are visible atomically, and
// anything unreadable is set aside on the next scan instead of crashing it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	config "github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	metrics "github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/atomicfile"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	logger "github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const moduleName = "queue"

// entryFileSuffix is the file suffix of queue entries. Temporary files from
// in-progress writes never match it.
const entryFileSuffix = ".batch.json"

// Entry is one queued batch together with its delivery bookkeeping. The
// failure counter travels inside the entry file so dead-letter accounting
// survives a process restart.
type Entry struct {
	// Key is the entry's file name within the queue directory. It is
	// assigned by the queue and never serialized into the file itself.
	Key          string       `json:"-"`
	Batch        *model.Batch `json:"batch"`
	EnqueuedAt   int64        `json:"enqueued_at"` // epoch milliseconds
	FailureCount int          `json:"failure_count"`
	LastError    string       `json:"last_error,omitempty"`
}

// Queue is a durable FIFO queue over one directory. All methods are safe for
// concurrent use; operations on the same queue serialize on an internal lock.
type Queue struct {
	mu            sync.Mutex
	name          string
	dir           string
	deadLetterDir string
	quarantineDir string
	maxEntries    int
	recorder      metrics.MetricRecorder
}

// NewQueue creates a queue over dir, creating the directory tree as needed.
//
// Parameters:
//
//	name: The queue's metric label ("pending", "spool").
//	dir: The directory holding live entries.
//	deadLetterDir: The directory receiving entries that exhausted delivery.
//	quarantineDir: The directory receiving unreadable entries.
//	maxEntries: The overflow cap; zero or negative disables eviction.
//	recorder: The MetricRecorder for queue events.
func NewQueue(name, dir, deadLetterDir, quarantineDir string, maxEntries int, recorder metrics.MetricRecorder) (*Queue, error) {
	for _, d := range []string{dir, deadLetterDir, quarantineDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, exception.NewPipelineError(moduleName, "failed to create queue directory "+d, err, false)
		}
	}
	return &Queue{
		name:          name,
		dir:           dir,
		deadLetterDir: deadLetterDir,
		quarantineDir: quarantineDir,
		maxEntries:    maxEntries,
		recorder:      recorder,
	}, nil
}

// NewPendingQueue builds the relay-side pending queue from configuration.
func NewPendingQueue(cfg *config.Config, recorder metrics.MetricRecorder) (*Queue, error) {
	return NewQueue(
		"pending",
		cfg.Pulseferry.QueueDir(),
		cfg.Pulseferry.DeadLetterDir(),
		cfg.Pulseferry.QuarantineDir(),
		cfg.Pulseferry.Queue.MaxEntries,
		recorder,
	)
}

// NewSpoolQueue builds the agent-side spool queue from configuration. The
// spool shares the pending queue's entry cap: the wearable has the tighter
// disk budget of the two sides.
func NewSpoolQueue(cfg *config.Config, recorder metrics.MetricRecorder) (*Queue, error) {
	spoolDir := cfg.Pulseferry.SpoolDir()
	return NewQueue(
		"spool",
		filepath.Join(spoolDir, "pending"),
		filepath.Join(spoolDir, "deadletter"),
		filepath.Join(spoolDir, "quarantine"),
		cfg.Pulseferry.Queue.MaxEntries,
		recorder,
	)
}

// Name returns the queue's metric label.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue durably persists a batch and returns its entry key. The write is
// synced to disk before Enqueue returns, so a crash immediately afterwards
// cannot lose the batch. Re-enqueueing a batch id that is already queued
// overwrites the existing entry with a fresh failure counter.
//
// When the queue exceeds its entry cap the oldest entries are evicted; that
// loss is the documented bound on local disk usage, so it is logged loudly.
func (q *Queue) Enqueue(ctx context.Context, batch *model.Batch) (string, error) {
	if batch == nil || batch.BatchID == "" {
		return "", exception.NewPipelineError(moduleName, "cannot enqueue a batch without a batch id", nil, false)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entry := Entry{
		Batch:      batch,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return "", exception.NewPipelineError(moduleName, "failed to serialize queue entry "+batch.BatchID, err, false)
	}

	key := batch.BatchID + entryFileSuffix
	if err := atomicfile.WriteFile(filepath.Join(q.dir, key), data, 0600); err != nil {
		return "", exception.NewPipelineError(moduleName, "failed to persist queue entry "+batch.BatchID, err, true)
	}
	q.recorder.RecordEnqueue(ctx, q.name)
	logger.Debugf("Enqueued batch %s into %s queue.", batch.BatchID, q.name)

	if err := q.evictOverflowLocked(ctx); err != nil {
		logger.Errorf("Overflow eviction on %s queue failed: %v", q.name, err)
	}
	q.recordDepthLocked(ctx)
	return key, nil
}

// ListPending returns the queued entries in FIFO order. Unreadable, empty or
// structurally invalid entry files are moved to quarantine and skipped; the
// scan itself never fails on a bad entry.
func (q *Queue) ListPending(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.sortedKeysLocked()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		path := filepath.Join(q.dir, key)
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			logger.Errorf("Failed to read queue entry %s: %v", key, rerr)
			q.quarantineLocked(ctx, key, "read")
			continue
		}
		if len(data) == 0 {
			logger.Warnf("Queue entry %s is empty. Moving it to quarantine.", key)
			q.quarantineLocked(ctx, key, "empty")
			continue
		}
		var entry Entry
		if uerr := json.Unmarshal(data, &entry); uerr != nil {
			logger.Warnf("Queue entry %s is unreadable: %v. Moving it to quarantine.", key, uerr)
			q.quarantineLocked(ctx, key, "unmarshal")
			continue
		}
		if entry.Batch == nil || entry.Batch.BatchID == "" {
			logger.Warnf("Queue entry %s has no batch. Moving it to quarantine.", key)
			q.quarantineLocked(ctx, key, "invalid")
			continue
		}
		entry.Key = key
		entries = append(entries, entry)
	}
	return entries, nil
}

// Update rewrites an existing entry in place, preserving its queue position.
// The delivery engine uses this to persist failure counters.
func (q *Queue) Update(ctx context.Context, entry Entry) error {
	if err := validateKey(entry.Key); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(&entry)
	if err != nil {
		return exception.NewPipelineError(moduleName, "failed to serialize queue entry "+entry.Key, err, false)
	}
	if err := atomicfile.WriteFile(filepath.Join(q.dir, entry.Key), data, 0600); err != nil {
		return exception.NewPipelineError(moduleName, "failed to update queue entry "+entry.Key, err, true)
	}
	return nil
}

// Remove deletes a delivered entry. Removing a key that is already gone is
// not an error: the caller's confirmation is what matters.
func (q *Queue) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.Remove(filepath.Join(q.dir, key)); err != nil && !os.IsNotExist(err) {
		return exception.NewPipelineError(moduleName, "failed to remove queue entry "+key, err, true)
	}
	atomicfile.SyncDir(q.dir)
	q.recordDepthLocked(ctx)
	return nil
}

// MoveToDeadLetter moves an entry that exhausted its delivery budget into the
// dead-letter directory, preserving its content for inspection.
func (q *Queue) MoveToDeadLetter(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.Rename(filepath.Join(q.dir, key), filepath.Join(q.deadLetterDir, key)); err != nil {
		return exception.NewPipelineError(moduleName, "failed to dead-letter queue entry "+key, err, true)
	}
	atomicfile.SyncDir(q.deadLetterDir)
	atomicfile.SyncDir(q.dir)
	q.recorder.RecordDeadLetter(ctx)
	q.recordDepthLocked(ctx)
	logger.Warnf("Dead-lettered queue entry %s.", key)
	return nil
}

// MoveToQuarantine moves an unreadable or corrupt entry into the quarantine
// directory. Quarantined entries are preserved, never silently discarded.
func (q *Queue) MoveToQuarantine(ctx context.Context, key, reason string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quarantineLocked(ctx, key, reason)
	q.recordDepthLocked(ctx)
	return nil
}

// Depth returns the number of live entries.
func (q *Queue) Depth() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys, err := q.sortedKeysLocked()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// DeadLetterDepth returns the number of dead-lettered entries.
func (q *Queue) DeadLetterDepth() (int, error) {
	dirEntries, err := os.ReadDir(q.deadLetterDir)
	if err != nil {
		return 0, exception.NewPipelineError(moduleName, "failed to scan dead-letter directory "+q.deadLetterDir, err, true)
	}
	count := 0
	for _, de := range dirEntries {
		if !de.IsDir() && strings.HasSuffix(de.Name(), entryFileSuffix) {
			count++
		}
	}
	return count, nil
}

// sortedKeysLocked lists entry file names in lexicographic order. Batch ids
// start with a zero-padded epoch millisecond, so this order is FIFO.
func (q *Queue) sortedKeysLocked() ([]string, error) {
	dirEntries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, exception.NewPipelineError(moduleName, "failed to scan queue directory "+q.dir, err, true)
	}
	keys := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entryFileSuffix) {
			continue
		}
		keys = append(keys, de.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// evictOverflowLocked drops the oldest entries while the queue exceeds its
// cap.
func (q *Queue) evictOverflowLocked(ctx context.Context) error {
	if q.maxEntries <= 0 {
		return nil
	}
	keys, err := q.sortedKeysLocked()
	if err != nil {
		return err
	}
	for len(keys) > q.maxEntries {
		oldest := keys[0]
		keys = keys[1:]
		if err := os.Remove(filepath.Join(q.dir, oldest)); err != nil && !os.IsNotExist(err) {
			return exception.NewPipelineError(moduleName, "failed to evict queue entry "+oldest, err, true)
		}
		logger.Errorf("Queue %s exceeded %d entries. Evicted oldest entry %s; its batch is lost from the delivery path.", q.name, q.maxEntries, oldest)
		q.recorder.RecordQueueOverflow(ctx, q.name)
	}
	atomicfile.SyncDir(q.dir)
	return nil
}

// quarantineLocked renames one entry into the quarantine directory.
func (q *Queue) quarantineLocked(ctx context.Context, key, reason string) {
	if err := os.Rename(filepath.Join(q.dir, key), filepath.Join(q.quarantineDir, key)); err != nil {
		logger.Errorf("Failed to quarantine queue entry %s: %v", key, err)
		return
	}
	atomicfile.SyncDir(q.quarantineDir)
	atomicfile.SyncDir(q.dir)
	q.recorder.RecordQuarantine(ctx, q.name, reason)
}

// recordDepthLocked publishes the current queue depth.
func (q *Queue) recordDepthLocked(ctx context.Context) {
	keys, err := q.sortedKeysLocked()
	if err != nil {
		return
	}
	q.recorder.RecordPendingDepth(ctx, q.name, len(keys))
}

// validateKey rejects keys that escape the queue directory.
func validateKey(key string) error {
	if key == "" || key != filepath.Base(key) || !strings.HasSuffix(key, entryFileSuffix) {
		return exception.NewPipelineError(moduleName, fmt.Sprintf("invalid queue entry key %q", key), nil, false)
	}
	return nil
}
