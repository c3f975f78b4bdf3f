package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "subdir")
	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	fpath := filepath.Join(dir, "rows.bin")
	f, err := lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("hello"), 3)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size())

	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, f.Truncate(4))
	require.NoError(t, f.Close())

	info, err = lfs.Stat(fpath)
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size())

	entries, err := lfs.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.NoError(t, lfs.SyncDir(dir))

	require.NoError(t, lfs.Remove(fpath))
	_, err = lfs.Stat(fpath)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFileAtomic(t *testing.T) {
	tmp := t.TempDir()
	name := filepath.Join(tmp, "CURRENT")

	require.NoError(t, WriteFileAtomic(Default, name, []byte("1"), 0o644))
	require.NoError(t, WriteFileAtomic(Default, name, []byte("2"), 0o644))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))

	_, err = os.Stat(name + TempSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFileAtomicRenameFailureKeepsOld(t *testing.T) {
	tmp := t.TempDir()
	name := filepath.Join(tmp, "CURRENT")
	require.NoError(t, WriteFileAtomic(Default, name, []byte("old"), 0o644))

	ffs := NewFaultyFS(nil)
	ffs.AddRule("CURRENT", Fault{FailAfterBytes: -1, FailOnRename: true})

	err := WriteFileAtomic(ffs, name, []byte("new"), 0o644)
	require.ErrorIs(t, err, ErrInjected)

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestFaultyFS(t *testing.T) {
	tmp := t.TempDir()
	boom := errors.New("disk full")

	ffs := NewFaultyFS(LocalFS{})
	ffs.AddRule("vectors", Fault{FailAfterBytes: 5, Err: boom})
	ffs.AddRule("idmap", Fault{FailAfterBytes: -1, FailOnSync: true})

	f, err := ffs.OpenFile(filepath.Join(tmp, "vectors.f32"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, err = f.WriteAt([]byte("!"), 5)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, f.Close())

	g, err := ffs.OpenFile(filepath.Join(tmp, "idmap.bin"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = g.Write([]byte("record"))
	require.NoError(t, err)
	assert.ErrorIs(t, g.Sync(), ErrInjected)
	require.NoError(t, g.Close())

	ffs.ClearRules()
	h, err := ffs.OpenFile(filepath.Join(tmp, "idmap.bin"), os.O_RDWR, 0o644)
	require.NoError(t, err)
	assert.NoError(t, h.Sync())
	require.NoError(t, h.Close())
}

func TestFaultyFS_TornWrite(t *testing.T) {
	faulty := NewFaultyFS(nil)
	faulty.AddRule("rows.bin", Fault{FailAfterBytes: 3, TornWrites: true})

	p := filepath.Join(t.TempDir(), "rows.bin")
	f, err := faulty.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	n, err := f.WriteAt([]byte("abcdef"), 0)
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 3, n)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestFaultyFS_FailSyncAt(t *testing.T) {
	faulty := NewFaultyFS(nil)
	faulty.AddRule("rows.bin", Fault{FailAfterBytes: -1, FailSyncAt: 2})

	f, err := faulty.OpenFile(filepath.Join(t.TempDir(), "rows.bin"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Sync())
	assert.ErrorIs(t, f.Sync(), ErrInjected)
	assert.ErrorIs(t, f.Sync(), ErrInjected)
}
