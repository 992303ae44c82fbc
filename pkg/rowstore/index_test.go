package rowstore

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/quietloop/rowstore/pkg/fs"
)

func Test_Index_Append_Commit_Is_Visible_After_Reopen(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "IDX0")

	ix, err := openIndex(fsys, path)
	require.NoError(t, err)

	tx := ix.beginTx()
	for _, offset := range []uint64{0, 4, 12, 100} {
		_, err := tx.append(offset)
		require.NoError(t, err)
	}
	require.NoError(t, tx.commit())
	require.NoError(t, ix.close())

	reopened, err := openIndex(fsys, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.close() })

	if diff := cmp.Diff([]uint64{0, 4, 12, 100}, reopened.offsets); diff != "" {
		t.Fatalf("offsets mismatch after reopen (-want +got):\n%s", diff)
	}
	require.Equal(t, uint32(4), reopened.count())
}

func Test_Index_Rollback_Restores_OldLen_In_Memory_And_On_Disk(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "IDX0")

	ix, err := openIndex(fsys, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.close() })

	tx1 := ix.beginTx()
	_, err = tx1.append(10)
	require.NoError(t, err)
	require.NoError(t, tx1.commit())

	tx2 := ix.beginTx()
	for i := 0; i < 5; i++ {
		_, err := tx2.append(uint64(i))
		require.NoError(t, err)
	}
	require.Equal(t, uint32(6), ix.count(), "in-memory growth visible before rollback")

	require.NoError(t, tx2.rollback())
	require.Equal(t, uint32(1), ix.count())

	offset, ok := ix.get(0)
	require.True(t, ok)
	require.Equal(t, uint64(10), offset)

	_, ok = ix.get(1)
	require.False(t, ok)

	onDisk, err := openIndex(fsys, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = onDisk.close() })
	require.Equal(t, uint32(1), onDisk.count(), "only the committed offset may be on disk")
}

func Test_Index_Get_Returns_False_For_Row_At_Or_Beyond_Count(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "IDX0")

	ix, err := openIndex(fsys, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.close() })

	tx := ix.beginTx()
	_, err = tx.append(42)
	require.NoError(t, err)
	require.NoError(t, tx.commit())

	_, ok := ix.get(0)
	require.True(t, ok)

	_, ok = ix.get(1)
	require.False(t, ok)

	_, ok = ix.get(1000)
	require.False(t, ok)
}

func Test_Index_Reset_Truncates_File_And_Vector(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "IDX0")

	ix, err := openIndex(fsys, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.close() })

	tx := ix.beginTx()
	_, err = tx.append(1)
	require.NoError(t, err)
	require.NoError(t, tx.commit())

	require.NoError(t, ix.reset())
	require.Equal(t, uint32(0), ix.count())

	reopened, err := openIndex(fsys, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.close() })
	require.Equal(t, uint32(0), reopened.count())
}

func Test_Index_Open_Truncates_Torn_Tail_Logically(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "IDX0")

	ix, err := openIndex(fsys, path)
	require.NoError(t, err)

	tx := ix.beginTx()
	_, err = tx.append(7)
	require.NoError(t, err)
	require.NoError(t, tx.commit())
	require.NoError(t, ix.close())

	// Simulate a torn write: append 3 extra bytes (less than one offset).
	// readAppendFlags carries no O_APPEND (index writes always seek
	// explicitly to a computed offset), so the write position must be
	// sought to the current end by hand.
	f, err := fsys.OpenFile(path, readAppendFlags, indexFilePerm)
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := openIndex(fsys, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.close() })

	require.Equal(t, uint32(1), reopened.count(), "partial trailing record must not be counted")
}
