package rowstore

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quietloop/rowstore/pkg/fs"
)

// offsetSize is the on-disk width of one index entry: a little-endian uint64
// log offset. The index file's length is always a multiple of offsetSize.
const offsetSize = 8

// index is the in-memory-resident, append-only RowId -> Offset map backing
// one store directory's IDX0. Row ids are dense: row N's offset lives at
// IDX0 byte N*8. The whole file is loaded into offsets on open; a
// transaction's append grows the in-memory slice, its commit writes the new
// offsets to the file, and its rollback truncates the slice back.
type index struct {
	fsys fs.FS
	file fs.File
	path string

	offsets []uint64
}

// openIndex opens or creates path and loads every complete 8-byte offset
// into memory. A final partial record (fewer than 8 trailing bytes) is a
// torn write from a crash between the log's fsync and the index's append;
// it is silently dropped: the index never durably advances past
// what the log has committed, but a torn tail on the index side just means
// the very last offset recorded was never fully visible, and is invisible
// here for the same reason it must not be trusted.
func openIndex(fsys fs.FS, path string) (*index, error) {
	file, err := fsys.OpenFile(path, readAppendFlags, indexFilePerm)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("statting index: %w", err)
	}

	n := int(info.Size() / offsetSize)

	buf := make([]byte, n*offsetSize)
	if n > 0 {
		if _, err := readFullAt(file, buf, 0); err != nil && err != io.EOF {
			_ = file.Close()
			return nil, fmt.Errorf("loading index: %w", err)
		}
	}

	offsets := make([]uint64, n)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(buf[i*offsetSize:])
	}

	return &index{fsys: fsys, file: file, path: path, offsets: offsets}, nil
}

// close releases the underlying file handle.
func (ix *index) close() error {
	if ix.file == nil {
		return nil
	}

	err := ix.file.Close()
	ix.file = nil

	return err
}

// get returns the log offset for row, and whether row is within the
// currently known range. get never touches disk: by construction every
// offset that made it into ix.offsets already survived a commit.
func (ix *index) get(row uint32) (uint64, bool) {
	if uint64(row) >= uint64(len(ix.offsets)) {
		return 0, false
	}

	return ix.offsets[row], true
}

// nextRow reports the row id the next appended offset will receive.
func (ix *index) nextRow() uint32 {
	return uint32(len(ix.offsets))
}

// count reports the number of rows currently known to the index. Rows are
// dense from zero, so this is the same number nextRow reports.
func (ix *index) count() uint32 {
	return ix.nextRow()
}

// reset truncates the index back to empty.
func (ix *index) reset() error {
	if err := ix.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating index: %w", err)
	}

	ix.offsets = ix.offsets[:0]

	return nil
}

// beginTx opens a transaction for appending offsets. oldLen is captured so a
// rollback can discard the in-memory entries added since beginTx, and so
// commit knows where in the file the new offsets begin.
func (ix *index) beginTx() *indexTx {
	return &indexTx{index: ix, oldLen: len(ix.offsets)}
}

// indexTx is a single append transaction against an [index]. Only one
// indexTx may be open against an index at a time; the engine enforces this
// by owning the only writer. append only ever grows ix.offsets in memory;
// nothing is written to disk until commit.
type indexTx struct {
	index  *index
	oldLen int
	done   bool
}

// append records offset for the next row id and returns that row id. The
// write stays purely in memory until commit durably extends the file.
func (tx *indexTx) append(offset uint64) (uint32, error) {
	if tx.done {
		return 0, fmt.Errorf("rowstore: index transaction already finished")
	}

	ix := tx.index
	row := uint32(len(ix.offsets))
	ix.offsets = append(ix.offsets, offset)

	return row, nil
}

// commit durably appends every offset added since beginTx to the index
// file and fsyncs it. This must only be called after the corresponding log
// transaction's commit has already fsynced those offsets' bytes: the index
// must never durably point past what the log durably holds. If writing or
// fsyncing fails, the in-memory offsets are truncated back to oldLen.
func (tx *indexTx) commit() (err error) {
	if tx.done {
		return fmt.Errorf("rowstore: index transaction already finished")
	}

	tx.done = true

	ix := tx.index
	added := ix.offsets[tx.oldLen:]

	if len(added) == 0 {
		return nil
	}

	defer func() {
		if err != nil {
			ix.offsets = ix.offsets[:tx.oldLen]
		}
	}()

	buf := make([]byte, len(added)*offsetSize)
	for i, off := range added {
		binary.LittleEndian.PutUint64(buf[i*offsetSize:], off)
	}

	woff := int64(tx.oldLen) * offsetSize

	if _, err := ix.file.Seek(woff, io.SeekStart); err != nil {
		return fmt.Errorf("seeking index for append: %w", err)
	}

	if _, err := ix.file.Write(buf); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}

	if err := ix.file.Sync(); err != nil {
		return fmt.Errorf("fsyncing index: %w", err)
	}

	return nil
}

// rollback discards every offset appended since beginTx. Nothing was ever
// written to disk by append, so this is purely an in-memory truncation.
func (tx *indexTx) rollback() error {
	if tx.done {
		return nil
	}

	tx.done = true

	ix := tx.index
	ix.offsets = ix.offsets[:tx.oldLen]

	return nil
}
