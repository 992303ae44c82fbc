package rowstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/quietloop/rowstore/pkg/fs"
)

// Engine owns one store directory: its LOCK, IDX0, LOG0, and INFO0 files.
// A directory may be opened by at most one Engine at a time, in one
// process or across processes; a second [Open] against the same path
// returns [ErrBusy].
//
// Engine is safe for concurrent use by multiple goroutines: reads share
// mu, and transactions hold it exclusively, since the store supports
// exactly one writer at a time. Reads therefore wait while a Tx is open; a
// read made from the goroutine that holds an open Tx deadlocks.
type Engine struct {
	fsys fs.FS
	dir  string

	lock *fs.Lock

	log  *log
	idx  *index
	info *infoMap

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates a store directory at dir. dir is created (along
// with any missing parents) if it doesn't already exist; if it exists and
// is not a directory, Open returns [ErrNotADirectory]. If another Engine
// already holds dir's lock, Open returns [ErrBusy].
func Open(dir string, opts ...OpenOption) (*Engine, error) {
	options := applyOptions(opts)

	fsys := options.fsys
	if fsys == nil {
		fsys = fs.NewReal()
	}

	if exists, err := fsys.Exists(dir); err != nil {
		return nil, fmt.Errorf("rowstore: checking %s: %w", dir, err)
	} else if exists {
		st, err := fsys.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("rowstore: statting %s: %w", dir, err)
		}

		if !st.IsDir() {
			return nil, fmt.Errorf("rowstore: %s: %w", dir, ErrNotADirectory)
		}
	} else if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rowstore: creating %s: %w", dir, err)
	}

	locker := fs.NewLocker(fsys)

	lk, err := locker.TryLock(joinPath(dir, lockFileName))
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("rowstore: %s: %w", dir, ErrBusy)
		}

		return nil, fmt.Errorf("rowstore: locking %s: %w", dir, err)
	}

	l, err := openLog(fsys, joinPath(dir, logFileName), options.logBufferSize)
	if err != nil {
		_ = lk.Close()
		return nil, err
	}

	ix, err := openIndex(fsys, joinPath(dir, indexFileName))
	if err != nil {
		_ = l.close()
		_ = lk.Close()
		return nil, err
	}

	im, err := openInfoMap(fsys, joinPath(dir, infoFileName))
	if err != nil {
		_ = ix.close()
		_ = l.close()
		_ = lk.Close()
		return nil, err
	}

	return &Engine{
		fsys: fsys,
		dir:  dir,
		lock: lk,
		log:  l,
		idx:  ix,
		info: im,
	}, nil
}

// Close releases the engine's lock and file handles. Further operations on
// the engine return [ErrClosed]. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	e.closed = true

	var err error
	if ierr := e.idx.close(); ierr != nil {
		err = ierr
	}

	if lerr := e.log.close(); lerr != nil && err == nil {
		err = lerr
	}

	// The sentinel is only a breadcrumb (the flock is what excludes other
	// openers), so a failure to remove it never fails the close. It is
	// removed while the flock is still held, so a racing Open that flocks
	// this inode afterwards finds the path gone or replaced and retries
	// against whatever file now lives there.
	_ = e.fsys.Remove(joinPath(e.dir, lockFileName))

	if cerr := e.lock.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

// Get returns the payload stored for row, and whether row names a
// committed entry. It performs two positional reads against LOG0 (the
// length prefix, then the payload) guided by the in-memory index; it never
// scans.
func (e *Engine) Get(row uint32) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, false, ErrClosed
	}

	offset, ok := e.idx.get(row)
	if !ok {
		return nil, false, nil
	}

	length, err := e.log.readU16At(offset)
	if err != nil {
		return nil, false, fmt.Errorf("rowstore: reading row %d: %w", row, err)
	}

	buf := make([]byte, length)
	if length > 0 {
		if err := e.log.readAt(offset+2, buf); err != nil {
			return nil, false, fmt.Errorf("rowstore: reading row %d: %w", row, err)
		}
	}

	return buf, true, nil
}

// Count reports the number of committed rows.
func (e *Engine) Count() (uint32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return 0, ErrClosed
	}

	return e.idx.count(), nil
}

// Info returns the value stored for key by a prior [Tx.PutInfo], and
// whether key is present.
func (e *Engine) Info(key string) (string, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return "", false, ErrClosed
	}

	v, ok := e.info.get(key)
	return v, ok, nil
}

// InfoSnapshot returns a defensive copy of every key/value pair stored by
// prior [Tx.PutInfo] calls.
func (e *Engine) InfoSnapshot() (map[string]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}

	return e.info.snapshot(), nil
}

// Reset truncates the log and index back to empty and clears the info
// map. Reset is exclusive with every other operation.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if err := e.log.reset(); err != nil {
		return fmt.Errorf("rowstore: reset: %w", err)
	}

	if err := e.idx.reset(); err != nil {
		return fmt.Errorf("rowstore: reset: %w", err)
	}

	if err := e.info.reset(); err != nil {
		return fmt.Errorf("rowstore: reset: %w", err)
	}

	return nil
}

// Transaction begins a composite transaction spanning the log, index, and
// info map. Only one Tx may be open against an Engine at a time: Transaction
// holds the engine's write lock until the returned Tx is committed or
// rolled back.
//
// Callers must always resolve a Tx, typically via:
//
//	tx, err := engine.Transaction()
//	if err != nil { return err }
//	defer tx.Rollback()
//	...
//	return tx.Commit()
//
// Rollback after Commit is a no-op.
func (e *Engine) Transaction() (*Tx, error) {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}

	logTx, err := e.log.beginTx()
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("rowstore: beginning transaction: %w", err)
	}

	return &Tx{
		engine: e,
		logTx:  logTx,
		idxTx:  e.idx.beginTx(),
		infoTx: e.info.beginTx(),
	}, nil
}

// Tx is a single composite transaction against an [Engine]. Append stages
// an entry in the log's write buffer and records its offset in the index's
// in-memory vector; PutInfo stages a key/value write. Nothing is durable, and
// no row id is visible to [Engine.Get], until Commit returns nil.
type Tx struct {
	engine *Engine
	logTx  *logTx
	idxTx  *indexTx
	infoTx *infoTx
	done   bool
}

// Append stages entry as the next row and returns the row id it will
// receive on commit. entry must be at most 65,535 bytes, or Append returns
// [ErrPayloadTooLarge].
func (tx *Tx) Append(entry []byte) (uint32, error) {
	if tx.done {
		return 0, fmt.Errorf("rowstore: transaction already finished")
	}

	offset, err := tx.logTx.append(entry)
	if err != nil {
		return 0, err
	}

	return tx.idxTx.append(offset)
}

// PutInfo stages key=value for the info map.
func (tx *Tx) PutInfo(key, value string) error {
	if tx.done {
		return fmt.Errorf("rowstore: transaction already finished")
	}

	tx.infoTx.put(key, value)

	return nil
}

// Commit durably applies every staged write, in the order required for
// crash consistency: the log is flushed and fsynced first, then the index
// is extended and fsynced, then the info map (if touched) is rewritten.
// A crash between any two of these steps leaves the store consistent with
// "as of the last step that completed", never pointing the index at log
// bytes that didn't make it to disk.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("rowstore: transaction already finished")
	}

	tx.done = true
	defer tx.engine.mu.Unlock()

	if err := tx.logTx.commit(); err != nil {
		_ = tx.idxTx.rollback()
		_ = tx.infoTx.rollback()
		return fmt.Errorf("rowstore: commit: %w", err)
	}

	if err := tx.idxTx.commit(); err != nil {
		_ = tx.infoTx.rollback()
		return fmt.Errorf("rowstore: commit: %w", err)
	}

	if err := tx.infoTx.commit(); err != nil {
		return fmt.Errorf("rowstore: commit: %w", err)
	}

	return nil
}

// Rollback discards every staged write. Bytes Append already buffered into
// the log's writer are abandoned as dead space (see [logTx.rollback]); the
// index's in-memory vector is truncated back and the info overlay is
// dropped. Rollback
// after Commit, or a second Rollback, is a no-op.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}

	tx.done = true
	defer tx.engine.mu.Unlock()

	err := tx.logTx.rollback()
	_ = tx.idxTx.rollback()
	_ = tx.infoTx.rollback()

	return err
}
