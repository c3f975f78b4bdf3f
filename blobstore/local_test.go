package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hfs "github.com/hupe1980/bitharbor/internal/fs"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	name := "objects/ab/cd/abcd01"
	data := []byte("hello world, this is a test blob")

	w, err := store.Create(ctx, name)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)

	// Not visible before commit.
	_, err = store.Open(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, w.Close())
	_, err = os.Stat(filepath.Join(tmpDir, "objects", "ab", "cd", "abcd01"))
	require.NoError(t, err)

	blob, err := store.Open(ctx, name)
	require.NoError(t, err)
	defer blob.Close()
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	_, err = blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	rc, err := blob.ReadRange(ctx, 13, 4)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "this", string(got))

	all, err := ReadAll(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, data, all)
}

func TestLocalStore_PutListDelete(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "index/SNAPSHOT-00000002.bin", []byte("b")))
	require.NoError(t, store.Put(ctx, "index/SNAPSHOT-00000001.bin", []byte("a")))
	require.NoError(t, store.Put(ctx, "objects/00/11/0011", []byte("x")))

	names, err := store.List(ctx, "index/")
	require.NoError(t, err)
	assert.Equal(t, []string{"index/SNAPSHOT-00000001.bin", "index/SNAPSHOT-00000002.bin"}, names)

	ok, err := Exists(ctx, store, "objects/00/11/0011")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "objects/00/11/0011"))
	require.NoError(t, store.Delete(ctx, "objects/00/11/0011"))

	ok, err = Exists(ctx, store, "objects/00/11/0011")
	require.NoError(t, err)
	assert.False(t, ok)

	data, err := ReadFile(ctx, store, "index/SNAPSHOT-00000002.bin")
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestLocalStore_AbortLeavesNothing(t *testing.T) {
	root := t.TempDir()
	store := NewLocalStore(root)
	ctx := context.Background()

	w, err := store.Create(ctx, "objects/aa/bb/aabb")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	entries, err := os.ReadDir(filepath.Join(root, "objects", "aa", "bb"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalStore_FailedSyncDoesNotPublish(t *testing.T) {
	ffs := hfs.NewFaultyFS(nil)
	ffs.AddRule("aabb", hfs.Fault{FailAfterBytes: -1, FailOnSync: true})
	store := NewLocalStore(t.TempDir(), WithFileSystem(ffs))
	ctx := context.Background()

	err := store.Put(ctx, "objects/aa/bb/aabb", []byte("data"))
	require.ErrorIs(t, err, hfs.ErrInjected)

	_, err = store.Open(ctx, "objects/aa/bb/aabb")
	assert.ErrorIs(t, err, ErrNotFound)
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_RejectsEscapingNames(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	for _, name := range []string{"../evil", "/abs", "a/../../b", ""} {
		assert.Error(t, store.Put(ctx, name, []byte("x")), name)
	}
}
