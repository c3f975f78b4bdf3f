package mmap

import (
	"errors"
	"io"
	"os"
)

// File is a read-only memory-mapped file.
type File struct {
	data []byte
	f    *os.File
}

// Open maps the file at path into memory as read-only.
// Empty files are opened without a mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := fi.Size()
	if size < 0 {
		f.Close()
		return nil, errors.New("mmap: file size is negative")
	}
	if size == 0 {
		return &File{f: f}, nil
	}

	data, err := mmap(f, int(size))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{data: data, f: f}, nil
}

// Pattern is an expected access pattern, passed to the kernel as a hint.
type Pattern int

const (
	// Normal restores the default read-ahead.
	Normal Pattern = iota
	// Sequential suits whole-asset streaming (hashing, verification, copies).
	Sequential
	// Random suits point reads such as index snapshot lookups.
	Random
)

// Advise hints the access pattern for the mapping. It is a no-op on empty
// files and on platforms without madvise.
func (m *File) Advise(p Pattern) error {
	if len(m.data) == 0 {
		return nil
	}
	return advise(m.data, p)
}

// Bytes returns the mapped region. The slice is valid until Close.
func (m *File) Bytes() []byte { return m.data }

// Size returns the mapped length.
func (m *File) Size() int { return len(m.data) }

// ReadAt implements io.ReaderAt.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps the memory and closes the underlying file.
func (m *File) Close() error {
	if m == nil {
		return nil
	}
	var err error
	if m.data != nil {
		err = munmap(m.data)
		m.data = nil
	}
	if m.f != nil {
		if closeErr := m.f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		m.f = nil
	}
	return err
}
