// Package archive maintains the consolidated on-device record of every batch
// the pipeline has accepted. The archive is an append-only JSON-lines file;
// it is the fallback that keeps data recoverable when no delivery path is
// available. Retention cleanup rewrites the file on an hours-scale timer and
// can stage the rotated-out records for offload to an object-storage target.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	storageAdapter "github.com/kinegraph/pulseferry/pkg/ferry/adapter/storage"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/atomicfile"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const (
	moduleName      = "archive"
	archiveFileName = "motion.log"
	stagingDirName  = "staging"
	segmentPrefix   = "segment-"
	segmentSuffix   = ".jsonl"

	// maxArchiveLineBytes bounds a single archive record during cleanup scans.
	maxArchiveLineBytes = 10 << 20
)

// Archive is the consolidated append-only batch record.
type Archive struct {
	mu         sync.Mutex
	enabled    bool
	path       string
	stagingDir string
	retention  time.Duration
	offload    config.OffloadConfig
	resolver   storageAdapter.StorageConnectionResolver
	recorder   metrics.MetricRecorder
}

// NewArchive creates the archive rooted under the configured archive directory.
//
// Parameters:
//
//	cfg: The application configuration.
//	resolver: The storage connection resolver used for segment offload.
//	recorder: The metric recorder for archive events.
//
// Returns:
//
//	A pointer to the Archive and an error if the directories cannot be prepared
//	or the offload target is misconfigured.
func NewArchive(cfg *config.Config, resolver storageAdapter.StorageConnectionResolver, recorder metrics.MetricRecorder) (*Archive, error) {
	archiveCfg := cfg.Pulseferry.Archive
	if !archiveCfg.Enabled() {
		logger.Infof("Local archive is disabled. Batches will not be recorded on device.")
		return &Archive{enabled: false, recorder: recorder}, nil
	}

	dir := cfg.Pulseferry.ArchiveDir()
	stagingDir := filepath.Join(dir, stagingDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, exception.NewPipelineError(moduleName, fmt.Sprintf("failed to create archive directory '%s'", dir), err, false)
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, exception.NewPipelineError(moduleName, fmt.Sprintf("failed to create staging directory '%s'", stagingDir), err, false)
	}

	if archiveCfg.Offload.Enabled && archiveCfg.Offload.Target == "" {
		return nil, exception.NewPipelineError(moduleName, "archive offload is enabled but no storage target is configured", nil, false)
	}

	return &Archive{
		enabled:    true,
		path:       filepath.Join(dir, archiveFileName),
		stagingDir: stagingDir,
		retention:  time.Duration(archiveCfg.RetentionHours) * time.Hour,
		offload:    archiveCfg.Offload,
		resolver:   resolver,
		recorder:   recorder,
	}, nil
}

// Enabled reports whether the archive is recording batches.
func (a *Archive) Enabled() bool {
	return a.enabled
}

// Path returns the archive file path. It is empty when the archive is disabled.
func (a *Archive) Path() string {
	return a.path
}

// Append records one batch as a JSON line at the end of the archive file.
// The write is flushed to stable storage before Append returns, so an
// acknowledged batch survives an immediate power cut. When the archive is
// disabled Append does nothing.
//
// Parameters:
//
//	ctx: The context for the operation.
//	batch: The batch to record.
//
// Returns:
//
//	An error if the record could not be durably written.
func (a *Archive) Append(ctx context.Context, batch *model.Batch) error {
	if !a.enabled {
		return nil
	}
	if batch == nil || batch.BatchID == "" {
		return exception.NewPipelineError(moduleName, "cannot archive a batch without an id", nil, false)
	}

	line, err := json.Marshal(batch)
	if err != nil {
		return exception.NewPipelineError(moduleName, fmt.Sprintf("failed to serialize batch %s for archival", batch.BatchID), err, false)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return exception.NewPipelineError(moduleName, fmt.Sprintf("failed to open archive '%s'", a.path), err, true)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return exception.NewPipelineError(moduleName, fmt.Sprintf("failed to append batch %s to archive", batch.BatchID), err, true)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return exception.NewPipelineError(moduleName, fmt.Sprintf("failed to flush archive after batch %s", batch.BatchID), err, true)
	}
	if err := f.Close(); err != nil {
		return exception.NewPipelineError(moduleName, fmt.Sprintf("failed to close archive after batch %s", batch.BatchID), err, true)
	}

	a.recorder.RecordArchiveAppend(ctx)
	logger.Debugf("Archived batch %s.", batch.BatchID)
	return nil
}

// Cleanup rewrites the archive keeping every record whose latest sample
// timestamp is at or after the retention cutoff. Lines that do not parse are
// preserved verbatim so a corrupt record never silently deletes data. When
// offload is enabled the removed records are staged as a segment file for the
// next offload pass. The rewrite replaces the archive atomically; a failure
// mid-pass leaves the original file untouched.
//
// Parameters:
//
//	ctx: The context for the operation.
//	now: The reference time the retention cutoff is computed from.
//
// Returns:
//
//	The number of records removed and an error if the pass failed.
func (a *Archive) Cleanup(ctx context.Context, now time.Time) (int, error) {
	if !a.enabled {
		return 0, nil
	}

	start := time.Now()
	removed, err := a.runCleanup(ctx, now)
	status := "success"
	if err != nil {
		status = "error"
	}
	a.recorder.RecordDuration(ctx, "archive_cleanup_duration", time.Since(start), map[string]string{"status": status})
	return removed, err
}

func (a *Archive) runCleanup(ctx context.Context, now time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	src, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing archived yet.
			return 0, nil
		}
		return 0, exception.NewPipelineError(moduleName, fmt.Sprintf("failed to open archive '%s' for cleanup", a.path), err, true)
	}
	defer src.Close()

	tmpPath := a.path + ".tmp"
	dst, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, exception.NewPipelineError(moduleName, fmt.Sprintf("failed to create temporary archive '%s'", tmpPath), err, true)
	}
	defer func() {
		dst.Close()
		os.Remove(tmpPath)
	}()

	// Removed records are staged for offload while the scan runs. The segment
	// only becomes visible once the archive rewrite has committed.
	var segment *segmentWriter
	if a.offload.Enabled {
		segment = newSegmentWriter(a.stagingDir, now)
		defer segment.discard()
	}

	cutoffMs := now.Add(-a.retention).UnixMilli()
	kept := bufio.NewWriter(dst)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxArchiveLineBytes)

	var removed, retained, malformed int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var batch model.Batch
		if err := json.Unmarshal(line, &batch); err != nil {
			// A record that no longer parses is carried forward untouched.
			malformed++
			if err := writeLine(kept, line); err != nil {
				return 0, err
			}
			continue
		}

		if batch.LatestSampleTimestamp() >= cutoffMs {
			retained++
			if err := writeLine(kept, line); err != nil {
				return 0, err
			}
			continue
		}

		removed++
		if segment != nil {
			if err := segment.writeLine(line); err != nil {
				return 0, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, exception.NewPipelineError(moduleName, "failed while scanning archive", err, true)
	}

	if removed == 0 {
		// Nothing expired. Leave the archive as it is.
		logger.Debugf("Archive cleanup found nothing to remove (%d retained, %d malformed).", retained, malformed)
		return 0, nil
	}

	if err := kept.Flush(); err != nil {
		return 0, exception.NewPipelineError(moduleName, "failed to flush rewritten archive", err, true)
	}
	if err := dst.Sync(); err != nil {
		return 0, exception.NewPipelineError(moduleName, "failed to sync rewritten archive", err, true)
	}
	if err := dst.Close(); err != nil {
		return 0, exception.NewPipelineError(moduleName, "failed to close rewritten archive", err, true)
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		return 0, exception.NewPipelineError(moduleName, "failed to replace archive with rewritten copy", err, true)
	}
	atomicfile.SyncDir(filepath.Dir(a.path))

	if segment != nil {
		if err := segment.commit(); err != nil {
			// The rotated records are already gone from the archive; losing the
			// segment costs the offload copy, not the pipeline.
			logger.Errorf("Failed to stage rotated archive segment: %v", err)
		}
	}

	a.recorder.RecordArchiveCleanup(ctx, removed)
	logger.Infof("Archive cleanup removed %d records (%d retained, %d malformed preserved).", removed, retained, malformed)
	return removed, nil
}

// OffloadStaged uploads every staged segment to the configured object-storage
// target and deletes the local copy on success. Failed uploads stay staged and
// are retried on the next pass. Offload never blocks the delivery pipeline; it
// runs on the cleanup timer.
//
// Parameters:
//
//	ctx: The context for the operation.
//
// Returns:
//
//	The number of segments uploaded and an aggregate error for segments that
//	could not be uploaded.
func (a *Archive) OffloadStaged(ctx context.Context) (int, error) {
	if !a.enabled || !a.offload.Enabled {
		return 0, nil
	}
	if a.resolver == nil {
		return 0, exception.NewPipelineError(moduleName, "archive offload is enabled but no storage resolver is available", nil, false)
	}

	pattern := filepath.Join(a.stagingDir, segmentPrefix+"*"+segmentSuffix)
	staged, err := filepath.Glob(pattern)
	if err != nil {
		return 0, exception.NewPipelineError(moduleName, "failed to list staged archive segments", err, true)
	}
	if len(staged) == 0 {
		return 0, nil
	}
	sort.Strings(staged)

	conn, err := a.resolver.ResolveStorageConnection(ctx, a.offload.Target)
	if err != nil {
		return 0, exception.NewPipelineError(moduleName, fmt.Sprintf("failed to resolve offload target '%s'", a.offload.Target), err, true)
	}

	var result *multierror.Error
	uploaded := 0
	for _, segPath := range staged {
		if err := a.uploadSegment(ctx, conn, segPath); err != nil {
			logger.Warnf("Failed to offload archive segment '%s', keeping it staged: %v", filepath.Base(segPath), err)
			result = multierror.Append(result, err)
			continue
		}
		uploaded++
	}

	if uploaded > 0 {
		logger.Infof("Offloaded %d archive segments to storage target '%s'.", uploaded, a.offload.Target)
	}
	return uploaded, result.ErrorOrNil()
}

// uploadSegment pushes one staged segment and removes the local file once the
// upload is confirmed.
func (a *Archive) uploadSegment(ctx context.Context, conn storageAdapter.StorageConnection, segPath string) error {
	f, err := os.Open(segPath)
	if err != nil {
		return fmt.Errorf("failed to open staged segment '%s': %w", segPath, err)
	}
	defer f.Close()

	objectName := path.Join(a.offload.Prefix, filepath.Base(segPath))
	if err := conn.Upload(ctx, a.offload.Bucket, objectName, f, "application/x-ndjson"); err != nil {
		return fmt.Errorf("failed to upload segment '%s': %w", filepath.Base(segPath), err)
	}

	if err := os.Remove(segPath); err != nil {
		// The segment was uploaded; a leftover local copy is retried and
		// overwrites the same object next pass.
		return fmt.Errorf("failed to remove uploaded segment '%s': %w", segPath, err)
	}
	atomicfile.SyncDir(a.stagingDir)
	return nil
}

// StagedSegments returns the staged segment files awaiting offload.
func (a *Archive) StagedSegments() ([]string, error) {
	if !a.enabled {
		return nil, nil
	}
	return filepath.Glob(filepath.Join(a.stagingDir, segmentPrefix+"*"+segmentSuffix))
}

func writeLine(w *bufio.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return exception.NewPipelineError(moduleName, "failed to write rewritten archive line", err, true)
	}
	if err := w.WriteByte('\n'); err != nil {
		return exception.NewPipelineError(moduleName, "failed to write rewritten archive line", err, true)
	}
	return nil
}

// segmentWriter accumulates rotated-out records in a hidden temporary file and
// publishes it under the final segment name only on commit.
type segmentWriter struct {
	dir       string
	finalPath string
	tmpPath   string
	f         *os.File
	w         *bufio.Writer
	lines     int
}

func newSegmentWriter(dir string, now time.Time) *segmentWriter {
	name := fmt.Sprintf("%s%d%s", segmentPrefix, now.UnixMilli(), segmentSuffix)
	return &segmentWriter{
		dir:       dir,
		finalPath: filepath.Join(dir, name),
		tmpPath:   filepath.Join(dir, name+".tmp"),
	}
}

func (s *segmentWriter) writeLine(line []byte) error {
	if s.f == nil {
		f, err := os.OpenFile(s.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return exception.NewPipelineError(moduleName, fmt.Sprintf("failed to create staged segment '%s'", s.tmpPath), err, true)
		}
		s.f = f
		s.w = bufio.NewWriter(f)
	}
	if _, err := s.w.Write(line); err != nil {
		return exception.NewPipelineError(moduleName, "failed to write staged segment line", err, true)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return exception.NewPipelineError(moduleName, "failed to write staged segment line", err, true)
	}
	s.lines++
	return nil
}

// commit flushes the temporary file and renames it to its final segment name.
func (s *segmentWriter) commit() error {
	if s.f == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		s.discard()
		return fmt.Errorf("failed to flush staged segment: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		s.discard()
		return fmt.Errorf("failed to sync staged segment: %w", err)
	}
	if err := s.f.Close(); err != nil {
		s.f = nil
		os.Remove(s.tmpPath)
		return fmt.Errorf("failed to close staged segment: %w", err)
	}
	s.f = nil
	if err := os.Rename(s.tmpPath, s.finalPath); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("failed to publish staged segment: %w", err)
	}
	atomicfile.SyncDir(s.dir)
	logger.Debugf("Staged %d rotated archive records in '%s'.", s.lines, filepath.Base(s.finalPath))
	return nil
}

// discard drops the temporary file. It is a no-op after a successful commit.
func (s *segmentWriter) discard() {
	if s.f == nil {
		return
	}
	s.f.Close()
	s.f = nil
	os.Remove(s.tmpPath)
}
