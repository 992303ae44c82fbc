package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReal_Exists(t *testing.T) {
	fsys := NewReal()
	dir := t.TempDir()

	missing, err := fsys.Exists(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	require.False(t, missing)

	file := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	present, err := fsys.Exists(file)
	require.NoError(t, err)
	require.True(t, present)

	isDir, err := fsys.Exists(dir)
	require.NoError(t, err)
	require.True(t, isDir)
}

func TestReal_OpenFileReadAt(t *testing.T) {
	fsys := NewReal()
	path := filepath.Join(t.TempDir(), "data")

	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	f, err := fsys.Open(path)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))
}

func TestReal_RenameReplacesTarget(t *testing.T) {
	fsys := NewReal()
	dir := t.TempDir()
	from := filepath.Join(dir, "from")
	to := filepath.Join(dir, "to")

	require.NoError(t, os.WriteFile(from, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(to, []byte("old"), 0o644))

	require.NoError(t, fsys.Rename(from, to))

	got, err := os.ReadFile(to)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))

	exists, err := fsys.Exists(from)
	require.NoError(t, err)
	require.False(t, exists)
}
