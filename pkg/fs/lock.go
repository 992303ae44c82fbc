package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrWouldBlock is returned by [Locker.TryLock] when another process (or
// another handle in this process) already holds the lock.
var ErrWouldBlock = errors.New("lock would block")

// errReplaced is an internal signal that the lock file at the requested
// path was swapped out (renamed or deleted and recreated) between open
// and flock. The acquisition loop retries against the new inode.
var errReplaced = errors.New("lock file replaced")

// Locker hands out exclusive advisory locks backed by flock(2).
//
// flock locks an inode, not a pathname. The kernel releases the lock
// automatically when the holding process exits, which is exactly the
// property a store directory's LOCK file wants: a crashed opener never
// leaves the directory wedged behind a stale sentinel. The file itself
// stays behind as a human-visible breadcrumb; its presence alone grants
// nothing.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker returns a Locker operating through fsys.
func NewLocker(fsys FS) *Locker {
	return &Locker{fs: fsys, flock: syscall.Flock}
}

// Lock is a held exclusive lock. Close releases it.
type Lock struct {
	file  File
	flock func(fd int, how int) error
}

const lockFilePerm = 0o600

// TryLock acquires an exclusive lock on path without blocking, creating
// the file if it does not exist. If any other holder has the lock, it
// returns [ErrWouldBlock] immediately.
//
// Because flock binds to the inode rather than the path, TryLock
// verifies after locking that the file it locked is still the file at
// path; if the path was replaced mid-acquisition it drops the stale lock
// and retries against whatever now lives there.
func (l *Locker) TryLock(path string) (*Lock, error) {
	for {
		file, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}

		err = l.acquire(file, path)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if errors.Is(err, errReplaced) {
			continue
		}

		return nil, err
	}
}

func (l *Locker) acquire(file File, path string) error {
	fd := int(file.Fd())

	if err := flockEINTR(l.flock, fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	same, err := l.sameInode(path, file)
	if err != nil {
		_ = flockEINTR(l.flock, fd, syscall.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errReplaced
		}

		return fmt.Errorf("verifying lock inode: %w", err)
	}

	if !same {
		_ = flockEINTR(l.flock, fd, syscall.LOCK_UN)
		return errReplaced
	}

	return nil
}

// sameInode reports whether the open handle and the path currently name
// the same (device, inode) pair. Without this check, two processes that
// raced a replace of the lock file could each hold a "lock" on a
// different inode and both believe they own the path.
func (l *Locker) sameInode(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

// Close releases the lock and closes its descriptor. Idempotent: second
// and later calls return nil.
//
// On Unix, closing the descriptor releases the flock even if the
// explicit unlock fails, so an error here means cleanup went wrong, not
// that the lock is necessarily still held.
func (lk *Lock) Close() error {
	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockEINTR(lk.flock, fd, syscall.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

// flockEINTR retries flock when a signal interrupts the syscall. The
// retry count is capped so a pathological signal storm fails instead of
// spinning; in practice the cap is unreachable.
func flockEINTR(flock func(fd int, how int) error, fd, how int) error {
	const maxRetries = 10000

	var err error
	for i := 0; i < maxRetries; i++ {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
