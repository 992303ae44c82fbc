// Package fs is the filesystem seam the store is built over.
//
// Every component that touches disk (the log, the index, the info side
// file, the directory lock) takes an [FS] rather than calling the os
// package directly, so tests can substitute a fake or fault-injecting
// implementation and exercise crash paths without a real disk. [Real] is
// the production implementation and is a plain passthrough to os.
//
// The [File] interface deliberately includes [io.ReaderAt]: the store's
// point lookups are positional reads, and positional reads must never
// contend with the append handle over a shared seek cursor.
package fs

import (
	"io"
	"os"
)

// File is one open file handle, with the subset of [os.File] the store
// needs: streaming reads and writes, seeking, positional reads, fsync,
// and truncation. Implementations must behave like [os.File], including
// Fd returning a descriptor valid for syscalls (flock) until Close.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// ReadAt reads len(p) bytes at offset off without moving the handle's
	// cursor. See [os.File.ReadAt].
	io.ReaderAt

	// Fd returns the underlying descriptor, for flock. See [os.File.Fd].
	Fd() uintptr

	// Stat returns this handle's file info. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync flushes the file's data to stable storage. See [os.File.Sync].
	Sync() error

	// Chmod sets the file's mode. See [os.File.Chmod].
	Chmod(mode os.FileMode) error

	// Truncate resizes the file. See [os.File.Truncate].
	Truncate(size int64) error
}

// FS is the set of path-level operations the store performs. Methods
// mirror their os equivalents; paths use OS semantics, not the
// slash-only paths of io/fs.
//
// Implementations must be safe for concurrent use.
type FS interface {
	// Open opens path read-only. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens path with explicit flags and permissions.
	// See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// MkdirAll creates path and any missing parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info for path. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether path exists at all. (false, nil) means a
	// clean miss; (false, err) means Stat failed for some other reason.
	Exists(path string) (bool, error)

	// Remove deletes path. See [os.Remove].
	Remove(path string) error

	// Rename moves oldpath to newpath, atomically when both are on the
	// same filesystem. See [os.Rename].
	Rename(oldpath, newpath string) error
}

var _ File = (*os.File)(nil)
