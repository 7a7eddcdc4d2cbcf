// Package assembly holds partially transferred batches until every chunk has
// arrived, then reassembles them and hands the batch to the configured
// persistence handler before the transfer is acknowledged. Incomplete
// assemblies survive a process restart through disk checkpoints, and
// transfers that stall entirely are evicted by a periodic sweep.
package assembly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	codec "github.com/kinegraph/pulseferry/pkg/ferry/codec"
	config "github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	metrics "github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	ports "github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/atomicfile"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	logger "github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const moduleName = "assembly"

// assemblyFileSuffix is the checkpoint file suffix under the assembly
// directory; quarantined assemblies keep the same name in the quarantine
// directory.
const assemblyFileSuffix = ".assembly.json"

// OutcomeKind classifies what became of one submitted chunk.
type OutcomeKind string

const (
	// OutcomePending means the chunk was accepted and the assembly is still
	// waiting for more chunks.
	OutcomePending OutcomeKind = "PENDING"
	// OutcomeCompleted means the chunk completed the assembly and the batch
	// was persisted by the handler.
	OutcomeCompleted OutcomeKind = "COMPLETED"
	// OutcomeFailed means the chunk was rejected, the reassembled payload was
	// corrupt, or the completed batch could not be persisted.
	OutcomeFailed OutcomeKind = "FAILED"
)

// Outcome reports the result of AddChunk.
// Batch is set only when Kind is OutcomeCompleted. When Kind is
// OutcomeFailed, Err classifies the failure: a temporary error means the
// sender should retransmit the sequence, anything else means the payload was
// set aside and retransmission is pointless.
type Outcome struct {
	Kind  OutcomeKind
	Batch *model.Batch
	Err   error
}

// entry pairs one in-flight assembly with its own lock so arrivals for the
// same batch serialize without blocking arrivals for other batches.
type entry struct {
	mu sync.Mutex
	// done marks an entry that completed, was evicted or was quarantined.
	// A goroutine that acquired the entry after that must retry against the
	// map, which no longer holds this entry.
	done bool
	asm  *model.ChunkAssembly
}

// Store is the chunk assembly store. All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	codec         *codec.Codec
	handler       ports.BatchHandler
	recorder      metrics.MetricRecorder
	tracer        metrics.Tracer
	staleTimeout  time.Duration
	checkpointDir string
	quarantineDir string
}

// NewStore creates the assembly store and its on-disk directories.
//
// Parameters:
//
//	cfg: The application configuration (chunking timeouts and directories).
//	c: The transfer codec used to reassemble completed assemblies.
//	handler: The persistence handler invoked synchronously on completion.
//	recorder: The MetricRecorder for assembly events.
//	tracer: The Tracer wrapping the completion path.
//
// Returns:
//
//	*Store: The initialized store.
//	error: An error if a state directory could not be created.
func NewStore(cfg *config.Config, c *codec.Codec, handler ports.BatchHandler, recorder metrics.MetricRecorder, tracer metrics.Tracer) (*Store, error) {
	checkpointDir := cfg.Pulseferry.AssemblyDir()
	quarantineDir := cfg.Pulseferry.QuarantineDir()
	for _, dir := range []string{checkpointDir, quarantineDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, exception.NewPipelineError(moduleName, "failed to create assembly directory "+dir, err, false)
		}
	}
	return &Store{
		entries:       make(map[string]*entry),
		codec:         c,
		handler:       handler,
		recorder:      recorder,
		tracer:        tracer,
		staleTimeout:  time.Duration(cfg.Pulseferry.Chunking.StaleTimeoutMs) * time.Millisecond,
		checkpointDir: checkpointDir,
		quarantineDir: quarantineDir,
	}, nil
}

// AddChunk feeds one received chunk into the store. The first chunk of an
// unknown batch opens a new assembly; every chunk refreshes the assembly's
// activity time, so a slow but progressing transfer is never evicted. When
// the final piece arrives, the batch is reassembled and handed to the
// persistence handler before the outcome is returned, so a crash after
// OutcomeCompleted can never lose the batch.
func (s *Store) AddChunk(ctx context.Context, chunk model.Chunk) Outcome {
	if err := chunk.Validate(); err != nil {
		logger.Warnf("Rejected malformed chunk: %v", err)
		return Outcome{Kind: OutcomeFailed, Err: exception.NewPipelineError(moduleName, "rejected malformed chunk", err, false)}
	}

	now := time.Now()
	for {
		s.mu.Lock()
		e, ok := s.entries[chunk.BatchID]
		if !ok {
			e = &entry{asm: &model.ChunkAssembly{
				BatchID:     chunk.BatchID,
				TotalChunks: chunk.TotalChunks,
				Received:    make(map[int][]byte, chunk.TotalChunks),
				Compression: chunk.Compression,
				Digest:      chunk.Digest,
				LastChunkAt: now,
			}}
			s.entries[chunk.BatchID] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if e.done {
			e.mu.Unlock()
			// The entry completed or was evicted between the map lookup and
			// the lock acquisition. Retry against a fresh entry.
			continue
		}

		if chunk.Compression != e.asm.Compression || !bytes.Equal(chunk.Digest, e.asm.Digest) {
			e.mu.Unlock()
			return Outcome{Kind: OutcomeFailed, Err: exception.NewPipelineError(moduleName,
				fmt.Sprintf("chunk %d of %s disagrees with the assembly's compression or digest", chunk.Index, chunk.BatchID), nil, false)}
		}
		if err := e.asm.Add(chunk, now); err != nil {
			e.mu.Unlock()
			return Outcome{Kind: OutcomeFailed, Err: exception.NewPipelineError(moduleName, "rejected chunk for batch "+chunk.BatchID, err, false)}
		}
		s.recorder.RecordChunkReceived(ctx, chunk.Compression.String())

		if !e.asm.Complete() {
			e.mu.Unlock()
			return Outcome{Kind: OutcomePending}
		}

		out := s.finalizeLocked(ctx, e)
		done := e.done
		e.mu.Unlock()
		if done {
			s.removeEntry(chunk.BatchID, e)
		}
		return out
	}
}

// finalizeLocked reassembles a complete assembly and hands the batch to the
// persistence handler. The caller must hold e.mu. On a corrupt payload the
// assembly is quarantined and marked done; on a handler failure the assembly
// is kept so a retransmitted sequence retries persistence.
func (s *Store) finalizeLocked(ctx context.Context, e *entry) Outcome {
	batch, err := s.codec.Reassemble(e.asm)
	if err != nil {
		logger.Errorf("Assembly %s reassembled to a corrupt payload: %v", e.asm.BatchID, err)
		s.quarantineAssembly(ctx, e.asm, "reassemble")
		e.done = true
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	spanCtx, end := s.tracer.StartAssemblySpan(ctx, batch.BatchID)
	herr := s.handler.OnBatchReady(spanCtx, batch)
	if herr != nil {
		s.tracer.RecordError(spanCtx, moduleName, herr)
	}
	end()

	if herr != nil {
		logger.Errorf("Failed to persist completed batch %s: %v", batch.BatchID, herr)
		return Outcome{Kind: OutcomeFailed, Err: exception.NewPipelineError(moduleName, "failed to persist completed batch "+batch.BatchID, herr, true)}
	}

	e.done = true
	s.recorder.RecordAssemblyCompleted(ctx)
	logger.Debugf("Assembly %s completed with %d chunk(s).", batch.BatchID, e.asm.TotalChunks)
	return Outcome{Kind: OutcomeCompleted, Batch: batch}
}

// SweepStale evicts assemblies whose last chunk arrived longer than the
// configured stale timeout before now. It returns the number of assemblies
// evicted.
func (s *Store) SweepStale(now time.Time) int {
	type candidate struct {
		id string
		e  *entry
	}
	s.mu.Lock()
	candidates := make([]candidate, 0, len(s.entries))
	for id, e := range s.entries {
		candidates = append(candidates, candidate{id: id, e: e})
	}
	s.mu.Unlock()

	evicted := 0
	for _, c := range candidates {
		c.e.mu.Lock()
		stale := !c.e.done && now.Sub(c.e.asm.LastChunkAt) > s.staleTimeout
		if stale {
			c.e.done = true
			logger.Warnf("Evicting stale assembly %s: %d/%d chunks, last activity %s ago.",
				c.id, len(c.e.asm.Received), c.e.asm.TotalChunks, now.Sub(c.e.asm.LastChunkAt))
		}
		c.e.mu.Unlock()
		if stale {
			s.removeEntry(c.id, c.e)
			evicted++
		}
	}
	if evicted > 0 {
		s.recorder.RecordAssemblyEvicted(context.Background(), evicted)
	}
	return evicted
}

// InFlight returns the number of assemblies currently held by the store.
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SaveCheckpoint writes every in-flight assembly to the checkpoint directory
// so a restart resumes partially transferred batches instead of forcing the
// sender to start the sequence over. It returns how many assemblies were
// written; per-file failures are collected rather than aborting the pass.
func (s *Store) SaveCheckpoint(ctx context.Context) (int, error) {
	type candidate struct {
		id string
		e  *entry
	}
	s.mu.Lock()
	candidates := make([]candidate, 0, len(s.entries))
	for id, e := range s.entries {
		candidates = append(candidates, candidate{id: id, e: e})
	}
	s.mu.Unlock()

	var result *multierror.Error
	saved := 0
	for _, c := range candidates {
		c.e.mu.Lock()
		if c.e.done {
			c.e.mu.Unlock()
			continue
		}
		data, merr := json.Marshal(c.e.asm)
		c.e.mu.Unlock()
		if merr != nil {
			result = multierror.Append(result, fmt.Errorf("marshaling assembly %s: %w", c.id, merr))
			continue
		}
		path := filepath.Join(s.checkpointDir, c.id+assemblyFileSuffix)
		if werr := atomicfile.WriteFile(path, data, 0600); werr != nil {
			result = multierror.Append(result, werr)
			continue
		}
		saved++
	}
	return saved, result.ErrorOrNil()
}

// LoadCheckpoint restores assemblies checkpointed by a previous run and
// removes the files it consumed. Corrupt checkpoint files are moved to the
// quarantine directory and never abort startup. Assemblies that turn out to
// be already complete are persisted immediately.
func (s *Store) LoadCheckpoint(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(filepath.Join(s.checkpointDir, "*"+assemblyFileSuffix))
	if err != nil {
		return 0, exception.NewPipelineError(moduleName, "failed to scan assembly checkpoints", err, false)
	}

	loaded := 0
	for _, path := range paths {
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			logger.Errorf("Failed to read assembly checkpoint %s: %v", path, rerr)
			continue
		}
		var asm model.ChunkAssembly
		if uerr := json.Unmarshal(data, &asm); uerr != nil {
			logger.Errorf("Assembly checkpoint %s is unreadable: %v", path, uerr)
			s.quarantineFile(ctx, path, "unmarshal")
			continue
		}
		if verr := validateCheckpoint(&asm); verr != nil {
			logger.Errorf("Assembly checkpoint %s is inconsistent: %v", path, verr)
			s.quarantineFile(ctx, path, "invalid")
			continue
		}
		s.mu.Lock()
		s.entries[asm.BatchID] = &entry{asm: &asm}
		s.mu.Unlock()
		os.Remove(path)
		loaded++
	}

	if loaded > 0 {
		logger.Infof("Restored %d in-flight assemblies from checkpoint.", loaded)
	}
	s.flushComplete(ctx)
	return loaded, nil
}

// flushComplete finalizes any held assembly that already has every chunk.
// This happens after a checkpoint restore when the previous process was
// stopped between the final chunk and persistence.
func (s *Store) flushComplete(ctx context.Context) {
	type candidate struct {
		id string
		e  *entry
	}
	s.mu.Lock()
	candidates := make([]candidate, 0, len(s.entries))
	for id, e := range s.entries {
		candidates = append(candidates, candidate{id: id, e: e})
	}
	s.mu.Unlock()

	for _, c := range candidates {
		c.e.mu.Lock()
		if c.e.done || !c.e.asm.Complete() {
			c.e.mu.Unlock()
			continue
		}
		out := s.finalizeLocked(ctx, c.e)
		done := c.e.done
		c.e.mu.Unlock()
		if done {
			s.removeEntry(c.id, c.e)
		}
		if out.Kind == OutcomeCompleted {
			logger.Infof("Persisted checkpointed batch %s on startup.", out.Batch.BatchID)
		}
	}
}

// runSweeper drives SweepStale until the context is cancelled.
func (s *Store) runSweeper(ctx context.Context) {
	interval := s.staleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepStale(time.Now())
		}
	}
}

// quarantineAssembly writes an in-memory assembly into the quarantine
// directory. Failures are logged, never propagated: quarantine is a best
// effort to preserve evidence.
func (s *Store) quarantineAssembly(ctx context.Context, asm *model.ChunkAssembly, reason string) {
	data, err := json.Marshal(asm)
	if err != nil {
		logger.Errorf("Failed to serialize assembly %s for quarantine: %v", asm.BatchID, err)
		return
	}
	path := filepath.Join(s.quarantineDir, asm.BatchID+assemblyFileSuffix)
	if err := atomicfile.WriteFile(path, data, 0600); err != nil {
		logger.Errorf("Failed to quarantine assembly %s: %v", asm.BatchID, err)
		return
	}
	logger.Warnf("Quarantined corrupt assembly %s (%s).", asm.BatchID, reason)
	s.recorder.RecordQuarantine(ctx, moduleName, reason)
}

// quarantineFile moves a checkpoint file into the quarantine directory.
func (s *Store) quarantineFile(ctx context.Context, path, reason string) {
	target := filepath.Join(s.quarantineDir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		logger.Errorf("Failed to quarantine checkpoint %s: %v", path, err)
		return
	}
	atomicfile.SyncDir(s.quarantineDir)
	logger.Warnf("Quarantined unreadable assembly checkpoint %s (%s).", filepath.Base(path), reason)
	s.recorder.RecordQuarantine(ctx, moduleName, reason)
}

// removeEntry deletes an entry from the map if the map still holds that
// exact entry. A newer assembly under the same batch id is left alone.
func (s *Store) removeEntry(id string, e *entry) {
	s.mu.Lock()
	if cur, ok := s.entries[id]; ok && cur == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

// validateCheckpoint checks the structural invariants of a restored assembly.
func validateCheckpoint(asm *model.ChunkAssembly) error {
	if asm.BatchID == "" {
		return fmt.Errorf("checkpoint missing batch id")
	}
	if asm.TotalChunks < 1 {
		return fmt.Errorf("checkpoint %s declares %d chunks", asm.BatchID, asm.TotalChunks)
	}
	if asm.Received == nil {
		return fmt.Errorf("checkpoint %s has no received map", asm.BatchID)
	}
	if len(asm.Received) > asm.TotalChunks {
		return fmt.Errorf("checkpoint %s holds %d chunks for a total of %d", asm.BatchID, len(asm.Received), asm.TotalChunks)
	}
	for idx := range asm.Received {
		if idx < 0 || idx >= asm.TotalChunks {
			return fmt.Errorf("checkpoint %s holds out-of-range chunk index %d", asm.BatchID, idx)
		}
	}
	return nil
}
