package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is returned by faults that do not carry their own error.
var ErrInjected = errors.New("fs: injected fault")

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // Fail writes after this many bytes written to this file. -1 to disable.
	// TornWrites makes the write that crosses FailAfterBytes persist the
	// bytes that still fit before failing, like a crash mid-write.
	TornWrites bool
	FailOnSync bool
	// FailSyncAt fails the n-th Sync (1-based) on a handle and every Sync
	// after it. Zero disables it.
	FailSyncAt int
	FailOnClose    bool
	FailOnRename   bool
	Err            error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// FaultyFS is a FileSystem wrapper that can inject errors.
type FaultyFS struct {
	FS FileSystem

	mu    sync.Mutex
	rules map[string]Fault // filename substring -> fault
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:    fs,
		rules: make(map[string]Fault),
	}
}

// AddRule adds a fault injection rule for files whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// ClearRules removes every rule. Files opened afterwards behave normally.
func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.rules)
}

func (f *FaultyFS) match(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			return rule, true
		}
	}
	return Fault{FailAfterBytes: -1}, false
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	fault, ok := f.match(name)
	if !ok {
		return file, nil
	}
	return &faultyFile{File: file, fault: fault}, nil
}

func (f *FaultyFS) Remove(name string) error { return f.FS.Remove(name) }

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if fault, ok := f.match(newpath); ok && fault.FailOnRename {
		return fault.err()
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) { return f.FS.Stat(name) }

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error { return f.FS.MkdirAll(path, perm) }

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.FS.ReadDir(name) }

func (f *FaultyFS) Truncate(name string, size int64) error { return f.FS.Truncate(name, size) }

func (f *FaultyFS) SyncDir(dir string) error { return f.FS.SyncDir(dir) }

type faultyFile struct {
	File
	fault   Fault
	mu      sync.Mutex
	written int64
	syncs   int
}

// charge books n bytes against the write budget and returns how many of
// them may reach the file. err is set when the write must fail.
func (ff *faultyFile) charge(n int) (allowed int, err error) {
	if ff.fault.FailAfterBytes < 0 {
		return n, nil
	}
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.written+int64(n) > ff.fault.FailAfterBytes {
		left := int(max(ff.fault.FailAfterBytes-ff.written, 0))
		ff.written += int64(left)
		if !ff.fault.TornWrites {
			left = 0
		}
		return left, ff.fault.err()
	}
	ff.written += int64(n)
	return n, nil
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	n, err := ff.charge(len(p))
	if err != nil {
		if n > 0 {
			n, _ = ff.File.Write(p[:n])
		}
		return n, err
	}
	return ff.File.Write(p)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := ff.charge(len(p))
	if err != nil {
		if n > 0 {
			n, _ = ff.File.WriteAt(p[:n], off)
		}
		return n, err
	}
	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.err()
	}
	if ff.fault.FailSyncAt > 0 {
		ff.mu.Lock()
		ff.syncs++
		n := ff.syncs
		ff.mu.Unlock()
		if n >= ff.fault.FailSyncAt {
			return ff.fault.err()
		}
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose {
		_ = ff.File.Close()
		return ff.fault.err()
	}
	return ff.File.Close()
}
