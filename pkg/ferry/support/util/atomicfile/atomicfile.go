// Package atomicfile writes files so that readers and crash recovery never
// observe a partial write. Durable pipeline state (queue entries, assembly
// checkpoints, supervisor state) goes through this helper.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile writes data to path through a temporary file in the same
// directory. The temporary file is synced before the rename, and the parent
// directory is synced after it, so a crash at any point leaves either the
// previous content or the new content, never a torn file.
//
// Callers that may write the same path concurrently must serialize
// themselves; the temporary name is derived from the target path.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temporary file for %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temporary file for %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temporary file for %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}

	SyncDir(filepath.Dir(path))
	return nil
}

// SyncDir flushes directory metadata so a completed rename or remove in dir
// survives power loss. Errors are swallowed: the data write already
// succeeded and some filesystems do not support directory sync.
func SyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
