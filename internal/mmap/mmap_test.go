package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenReadClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	content := []byte("Hello, Mmap!")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	m, err := Open(path)
	require.NoError(t, err)

	assert.Equal(t, len(content), m.Size())
	assert.Equal(t, content, m.Bytes())

	buf := make([]byte, 5)
	n, err := m.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, "Mmap!", string(buf[:n]))

	n, err = m.ReadAt(make([]byte, 10), 7)
	assert.Equal(t, 5, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = m.ReadAt(buf, 100)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestOpenEmptyAndMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())
	require.NoError(t, m.Close())

	_, err = Open(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, os.IsNotExist(err))
}

func TestAdvise(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asset")
	require.NoError(t, os.WriteFile(path, make([]byte, 64<<10), 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	for _, p := range []Pattern{Sequential, Random, Normal} {
		assert.NoError(t, m.Advise(p))
	}

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	e, err := Open(empty)
	require.NoError(t, err)
	defer e.Close()
	assert.NoError(t, e.Advise(Sequential))
}
