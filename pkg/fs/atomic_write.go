package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrDirSync marks a write whose rename landed but whose parent
// directory could not be fsynced afterward. The new file is in place;
// only its durability across a crash is in question. Detect with
// errors.Is(err, ErrDirSync).
var ErrDirSync = errors.New("dir sync")

// AtomicWriter replaces whole files atomically and durably: the new
// content goes to a temp file in the target's directory, is fsynced,
// renamed over the target, and the directory is fsynced. A reader never
// observes a half-written file, and a crash at any point leaves either
// the old content or the new.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter returns an AtomicWriter operating through fsys.
func NewAtomicWriter(fsys FS) *AtomicWriter {
	if fsys == nil {
		panic("fsys is nil")
	}

	return &AtomicWriter{fs: fsys}
}

// tempSeq distinguishes temp names across concurrent writers in one
// process; collisions across processes are handled by O_EXCL retry.
var tempSeq atomic.Uint64

const tempMaxAttempts = 10000

// Write replaces path's content with everything read from r, creating
// path with mode perm if absent and chmodding it to perm if present.
func (w *AtomicWriter) Write(path string, r io.Reader, perm os.FileMode) error {
	if path == "" {
		return errors.New("path is empty")
	}

	if perm == 0 {
		return errors.New("perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == "." {
		return fmt.Errorf("path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmp, tmpPath, err := w.createTemp(dir, base, perm)
	if err != nil {
		return err
	}

	discard := func() {
		_ = tmp.Close()
		_ = w.fs.Remove(tmpPath)
	}

	// The chmod makes perm authoritative even under a restrictive umask.
	if err := tmp.Chmod(perm); err != nil {
		discard()
		return fmt.Errorf("chmod temp file %q: %w", tmpPath, err)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		discard()
		return fmt.Errorf("writing temp file %q: %w", tmpPath, err)
	}

	if err := tmp.Sync(); err != nil {
		discard()
		return fmt.Errorf("syncing temp file %q: %w", tmpPath, err)
	}

	if err := tmp.Close(); err != nil {
		_ = w.fs.Remove(tmpPath)
		return fmt.Errorf("closing temp file %q: %w", tmpPath, err)
	}

	if err := w.fs.Rename(tmpPath, path); err != nil {
		_ = w.fs.Remove(tmpPath)
		return fmt.Errorf("renaming %q over %q: %w", tmpPath, path, err)
	}

	return w.syncDir(dir)
}

func (w *AtomicWriter) createTemp(dir, base string, perm os.FileMode) (File, string, error) {
	for i := 0; i < tempMaxAttempts; i++ {
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, tempSeq.Add(1)))

		f, err := w.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return f, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("creating temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file names in %q", dir)
}

// syncDir fsyncs dir so the rename that just landed there survives a
// crash. Failures wrap [ErrDirSync] since the rename itself succeeded.
func (w *AtomicWriter) syncDir(dir string) error {
	d, err := w.fs.Open(dir)
	if err != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("opening dir %q: %w", dir, err))
	}

	syncErr := d.Sync()
	closeErr := d.Close()

	if syncErr != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("syncing dir %q: %w", dir, syncErr))
	}

	if closeErr != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("closing dir %q: %w", dir, closeErr))
	}

	return nil
}
