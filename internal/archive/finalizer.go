// Package archive implements the Archive/Unlink Finalizer (AUF):
// exactly-once archival of a delivered file, falling back to unlink on
// archive failure, with bounded EBUSY retry on the unlink path
// (spec.md §4.6).
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/afd-project/afdsend/pkg/afdlog"
)

// DefaultEBusyRetries and DefaultEBusyDelay are the unlink retry policy's defaults,
// matching the config.Archive section (spec.md §4.3.1 step 17: "retry
// unlink up to 20x with 100ms spacing").
const (
	DefaultEBusyRetries = 20
	DefaultEBusyDelay   = 100 * time.Millisecond
)

// Result reports what the finalizer actually did, for the output-log
// emitter to record.
type Result struct {
	Archived     bool
	ArchivePath  string
	ArchiveError error // non-nil only when Archived is false because archiving itself failed
}

// Finalizer archives-then-unlinks, or unlinks outright when archiving is
// disabled or the archive root is unusable.
type Finalizer struct {
	Root         string
	EBusyRetries int
	EBusyDelay   time.Duration
	Logger       *afdlog.Logger
}

// New builds a Finalizer rooted at root, using the given EBUSY retry
// policy.
func New(root string, ebusyRetries int, ebusyDelay time.Duration, logger *afdlog.Logger) *Finalizer {
	if ebusyRetries <= 0 {
		ebusyRetries = DefaultEBusyRetries
	}
	if ebusyDelay <= 0 {
		ebusyDelay = DefaultEBusyDelay
	}
	return &Finalizer{Root: root, EBusyRetries: ebusyRetries, EBusyDelay: ebusyDelay, Logger: logger}
}

// Finalize archives localPath under a per-job subdirectory when
// archiveEnabled and archiveTimeSec > 0, else unlinks it outright.
// Archiving is attempted exactly once; any failure falls back to unlink
// so the staging directory never overflows (spec.md §4.6: "the file MUST
// be unlinked to prevent spool overflow").
func (f *Finalizer) Finalize(localPath string, archiveEnabled bool, archiveTimeSec int, jobID string) Result {
	if !archiveEnabled || archiveTimeSec <= 0 || f.Root == "" {
		f.unlink(localPath)
		return Result{Archived: false}
	}

	dest := filepath.Join(f.Root, jobID, filepath.Base(localPath))
	if err := f.archiveOnce(localPath, dest); err != nil {
		if f.Logger != nil {
			f.Logger.Warn("archive failed, unlinking instead", map[string]interface{}{
				"local_path": localPath, "dest": dest, "error": err.Error(),
			})
		}
		f.unlink(localPath)
		return Result{Archived: false, ArchiveError: err}
	}
	return Result{Archived: true, ArchivePath: dest}
}

// archiveOnce copies localPath to dest (creating parent directories) and
// removes the original only after the copy lands, then is itself
// subject to the caller's unlink fallback on any error.
func (f *Finalizer) archiveOnce(localPath, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", filepath.Dir(dest), err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", dest, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dest)
		return fmt.Errorf("archive: copy to %s: %w", dest, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("archive: close %s: %w", dest, err)
	}

	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("archive: remove source %s: %w", localPath, err)
	}
	return nil
}

// unlink removes localPath, retrying EBusyRetries times on EBUSY. All
// failures other than ENOENT/EBUSY are logged at error (spec.md §4.6);
// ENOENT is silently treated as already-gone.
func (f *Finalizer) unlink(localPath string) {
	var lastErr error
	for attempt := 0; attempt <= f.EBusyRetries; attempt++ {
		err := os.Remove(localPath)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return
		}
		lastErr = err
		if !errors.Is(err, syscall.EBUSY) {
			if f.Logger != nil {
				f.Logger.Error("unlink failed", map[string]interface{}{
					"local_path": localPath, "error": err.Error(),
				})
			}
			return
		}
		time.Sleep(f.EBusyDelay)
	}
	if f.Logger != nil && lastErr != nil {
		f.Logger.Error("unlink exhausted EBUSY retries", map[string]interface{}{
			"local_path": localPath, "error": lastErr.Error(), "retries": f.EBusyRetries,
		})
	}
}
