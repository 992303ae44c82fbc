package rowstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/quietloop/rowstore/pkg/fs"
)

// defaultLogBufferSize is the size of the buffered writer a [log] transaction
// opens over the log file. 64 MiB amortizes the fsync-bound cost of commit
// over a large batch of appends.
const defaultLogBufferSize = 64 * 1024 * 1024

// maxEntrySize is the largest payload a single log entry may carry: the
// length prefix is a little-endian uint16, so 65,535 bytes is the ceiling.
const maxEntrySize = math.MaxUint16

// log is the append-only, length-prefixed record file backing one store
// directory's LOG0. Entries are laid end to end as
// [little-endian uint16 length][length bytes of payload], with no
// alignment, checksum, or type tag.
//
// log never holds a write lock across calls: writers go through exactly one
// [logTx] at a time (the engine enforces this), and positional reads never
// move a shared cursor, so concurrent get calls are safe against an
// in-progress, uncommitted write as long as they stay below the committed
// tail.
type log struct {
	fsys fs.FS
	file fs.File
	path string

	bufSize int
}

// openLog opens or creates path in read/append mode. No scan of existing
// content happens here; the file is read on demand via positional reads.
func openLog(fsys fs.FS, path string, bufSize int) (*log, error) {
	if bufSize <= 0 {
		bufSize = defaultLogBufferSize
	}

	file, err := fsys.OpenFile(path, readAppendFlags, logFilePerm)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}

	return &log{fsys: fsys, file: file, path: path, bufSize: bufSize}, nil
}

// close releases the underlying file handle.
func (l *log) close() error {
	if l.file == nil {
		return nil
	}

	err := l.file.Close()
	l.file = nil

	return err
}

// readAt performs a positional read of exactly len(buf) bytes starting at
// offset. It does not move any shared cursor and is safe to call
// concurrently with other reads, and with an in-progress write transaction
// as long as offset+len(buf) is within the already-committed tail.
func (l *log) readAt(offset uint64, buf []byte) error {
	n, err := readFullAt(l.file, buf, int64(offset))
	if err != nil {
		return fmt.Errorf("reading log at offset %d: %w", offset, err)
	}

	if n != len(buf) {
		return fmt.Errorf("reading log at offset %d: short read: got %d, want %d", offset, n, len(buf))
	}

	return nil
}

// readU16At reads the little-endian uint16 stored at offset.
func (l *log) readU16At(offset uint64) (uint16, error) {
	var buf [2]byte

	if err := l.readAt(offset, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

// tail reports the current logical end of file, i.e. the offset the next
// transaction will start writing at.
func (l *log) tail() (uint64, error) {
	off, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seeking log to end: %w", err)
	}

	return uint64(off), nil
}

// reset truncates the log back to empty and rewinds its tail to zero.
func (l *log) reset() error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating log: %w", err)
	}

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking log to start: %w", err)
	}

	return nil
}

// beginTx opens a transaction for appending entries. It seeks to the current
// end of file, captures that position as the transaction's starting tail,
// and wraps a second, separately opened handle on the same file in a large
// buffered writer. Until commit, a concurrent get against this log is not
// guaranteed to see the buffered bytes.
func (l *log) beginTx() (*logTx, error) {
	startTail, err := l.tail()
	if err != nil {
		return nil, err
	}

	w, err := l.fsys.OpenFile(l.path, writeOnlyFlags, logFilePerm)
	if err != nil {
		return nil, fmt.Errorf("opening log for append: %w", err)
	}

	if _, err := w.Seek(int64(startTail), io.SeekStart); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("seeking log append handle: %w", err)
	}

	return &logTx{
		log:       l,
		w:         w,
		bw:        bufio.NewWriterSize(w, l.bufSize),
		startTail: startTail,
		tail:      startTail,
	}, nil
}

// logTx is a single append transaction against a [log]. Only one logTx may
// be open against a log at a time; the engine enforces this by owning the
// only writer.
type logTx struct {
	log       *log
	w         fs.File
	bw        *bufio.Writer
	startTail uint64
	tail      uint64
	done      bool
}

// append writes a length-prefixed entry and returns the offset of its
// length prefix (the entry's offset, in the sense the index stores).
//
// Precondition: len(entry) <= 65,535. A larger entry returns
// [ErrPayloadTooLarge] rather than writing anything.
func (tx *logTx) append(entry []byte) (uint64, error) {
	if tx.done {
		return 0, fmt.Errorf("rowstore: log transaction already finished")
	}

	if len(entry) > maxEntrySize {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(entry))
	}

	offset := tx.tail

	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(entry)))

	if _, err := tx.bw.Write(lenBuf[:]); err != nil {
		return 0, fmt.Errorf("buffering log entry length: %w", err)
	}

	if len(entry) > 0 {
		if _, err := tx.bw.Write(entry); err != nil {
			return 0, fmt.Errorf("buffering log entry payload: %w", err)
		}
	}

	tx.tail += 2 + uint64(len(entry))

	return offset, nil
}

// commit flushes the buffered writer and fsyncs the underlying file data.
// This is the log's only durability barrier: bytes written by append are
// not guaranteed to survive a crash until commit returns nil.
func (tx *logTx) commit() error {
	if tx.done {
		return fmt.Errorf("rowstore: log transaction already finished")
	}

	tx.done = true

	if err := tx.bw.Flush(); err != nil {
		_ = tx.w.Close()
		return fmt.Errorf("flushing log: %w", err)
	}

	if err := tx.w.Sync(); err != nil {
		_ = tx.w.Close()
		return fmt.Errorf("fsyncing log: %w", err)
	}

	return tx.w.Close()
}

// rollback discards any buffered, uncommitted writes. Bytes that already
// reached the OS (the buffered writer may have partially flushed on its
// own, though the default buffer size makes that unlikely for typical
// batches) remain physically in the file as dead space: no row id will ever
// point into them, because the index transaction that would have handed
// out those row ids is rolled back alongside this one.
func (tx *logTx) rollback() error {
	if tx.done {
		return nil
	}

	tx.done = true

	return tx.w.Close()
}
