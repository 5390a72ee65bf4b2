package pcesfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Disposer removes a segment file that is no longer retained. Disposal must
// be idempotent: a path that is already gone is not an error, since pruning
// may race with a prior partial run or a manual cleanup.
type Disposer interface {
	Dispose(path string) error
}

// DeleteDisposer permanently deletes files.
type DeleteDisposer struct{}

// Dispose implements Disposer.
func (DeleteDisposer) Dispose(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete segment file: %w", err)
	}
	return nil
}

// RecycleDisposer moves files into a recycle directory instead of deleting
// them, so an operator can recover recently pruned segments.
type RecycleDisposer struct {
	dir string
}

// NewRecycleDisposer returns a Disposer that moves files into dir, creating
// it on first use.
func NewRecycleDisposer(dir string) *RecycleDisposer {
	return &RecycleDisposer{dir: dir}
}

// Dispose implements Disposer.
func (r *RecycleDisposer) Dispose(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create recycle directory: %w", err)
	}
	dst := filepath.Join(r.dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("recycle segment file: %w", err)
	}
	return nil
}
