package rowstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quietloop/rowstore/pkg/fs"
)

// infoMap is the engine's side table of arbitrary string key/value pairs,
// persisted whole to INFO0: the file is rewritten atomically on any commit
// that touched it.
//
// infoMap is loaded fully into memory on open, like the index, and every
// mutation is staged in a per-transaction overlay until commit.
type infoMap struct {
	fsys fs.FS
	aw   *fs.AtomicWriter
	path string
	data map[string]string
}

// openInfoMap loads path's snapshot into memory, or starts empty if the
// file doesn't exist yet (a brand new store directory).
func openInfoMap(fsys fs.FS, path string) (*infoMap, error) {
	data := make(map[string]string)

	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking info map: %w", err)
	}

	if exists {
		f, err := fsys.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening info map: %w", err)
		}
		defer f.Close()

		if err := decodeInfoMap(f, data); err != nil {
			return nil, fmt.Errorf("decoding info map %s: %w", path, err)
		}
	}

	return &infoMap{fsys: fsys, aw: fs.NewAtomicWriter(fsys), path: path, data: data}, nil
}

// get returns the value stored for key, and whether it is present.
func (m *infoMap) get(key string) (string, bool) {
	v, ok := m.data[key]
	return v, ok
}

// snapshot returns a defensive copy of the whole map, for Engine.InfoSnapshot.
func (m *infoMap) snapshot() map[string]string {
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}

	return out
}

// beginTx opens an overlay for staged put_info writes. Nothing is applied to
// m.data until commit.
func (m *infoMap) beginTx() *infoTx {
	return &infoTx{info: m, staged: make(map[string]string)}
}

// infoTx stages put_info writes against one [infoMap] for the lifetime of a
// single engine transaction.
type infoTx struct {
	info   *infoMap
	staged map[string]string
	done   bool
}

// put stages key=value. The write is invisible to get/snapshot until commit.
func (tx *infoTx) put(key, value string) {
	tx.staged[key] = value
}

// commit applies every staged put and, if anything changed, atomically
// rewrites INFO0 with the full resulting snapshot.
func (tx *infoTx) commit() error {
	if tx.done {
		return fmt.Errorf("rowstore: info transaction already finished")
	}

	tx.done = true

	if len(tx.staged) == 0 {
		return nil
	}

	m := tx.info
	for k, v := range tx.staged {
		m.data[k] = v
	}

	return m.persist()
}

// rollback discards every staged put without touching m.data or disk.
func (tx *infoTx) rollback() error {
	tx.done = true
	tx.staged = nil

	return nil
}

// reset clears the map in memory and removes INFO0 from disk, leaving a
// fresh store with no accumulated info entries.
func (m *infoMap) reset() error {
	m.data = make(map[string]string)

	if err := m.fsys.Remove(m.path); err != nil {
		if exists, existsErr := m.fsys.Exists(m.path); existsErr == nil && !exists {
			return nil
		}

		return fmt.Errorf("removing info map: %w", err)
	}

	return nil
}

// persist serializes m.data as length-prefixed (key, value) string pairs
// and rewrites m.path in one atomic, durable operation via the shared
// [fs.AtomicWriter] (temp file in the same directory, fsync, rename, fsync
// parent directory), so a crash mid-write never leaves a half-written
// INFO0 behind.
func (m *infoMap) persist() error {
	var buf bytes.Buffer

	if err := encodeInfoMap(&buf, m.data); err != nil {
		return fmt.Errorf("encoding info map: %w", err)
	}

	if err := m.aw.Write(m.path, &buf, infoFilePerm); err != nil {
		return fmt.Errorf("writing info map %s: %w", m.path, err)
	}

	return nil
}

// encodeInfoMap writes data as a sequence of
// [LE u32 key len][key][LE u32 value len][value] records.
func encodeInfoMap(w io.Writer, data map[string]string) error {
	bw := bufio.NewWriter(w)

	for k, v := range data {
		if err := writeInfoString(bw, k); err != nil {
			return err
		}

		if err := writeInfoString(bw, v); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func writeInfoString(w io.Writer, s string) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}

	if len(s) == 0 {
		return nil
	}

	_, err := io.WriteString(w, s)
	return err
}

// decodeInfoMap reads r as a sequence of records written by encodeInfoMap
// into dst.
func decodeInfoMap(r io.Reader, dst map[string]string) error {
	br := bufio.NewReader(r)

	for {
		key, err := readInfoString(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		value, err := readInfoString(br)
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("truncated record after key %q", key)
			}
			return err
		}

		dst[key] = value
	}
}

func readInfoString(r io.Reader) (string, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return "", nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}
