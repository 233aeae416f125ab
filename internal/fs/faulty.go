package fs

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
)

// Fault defines specific failure behavior.
type Fault struct {
	FailOnOpen     bool
	FailOnAllocate bool
	FailOnRemove   bool
	Err            error
}

// FaultyFS is a FileSystem wrapper that can inject errors.
type FaultyFS struct {
	FS      FileSystem
	mu      sync.Mutex
	rules   map[string]Fault // Filename pattern -> Fault
	Default Fault            // Fallback

	// Err is used when a matching rule carries no error of its own.
	Err       error
	allocated int64
	limit     int64
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:    fs,
		rules: make(map[string]Fault),
		Err:   fmt.Errorf("injected fault error"),
		limit: -1,
	}
}

// GetAllocated returns the total bytes reserved through Allocate so far.
func (f *FaultyFS) GetAllocated() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocated
}

// SetLimit caps the bytes that may be reserved across all files.
// Allocations beyond the cap fail with ENOSPC. A negative limit disables the cap.
func (f *FaultyFS) SetLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
}

// AddRule adds a fault injection rule for a specific file pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

func (f *FaultyFS) match(name string) Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	fault := f.Default
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
		}
	}
	if fault.Err == nil {
		fault.Err = f.Err
	}
	return fault
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	fault := f.match(name)
	if fault.FailOnOpen {
		return nil, fault.Err
	}
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, fault: fault}, nil
}

func (f *FaultyFS) Remove(name string) error {
	if fault := f.match(name); fault.FailOnRemove {
		return fault.Err
	}
	return f.FS.Remove(name)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

// Usage reports the underlying usage, with Free clamped to the remaining limit.
func (f *FaultyFS) Usage(dir string) (Usage, error) {
	u, err := f.FS.Usage(dir)
	if err != nil {
		return u, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit >= 0 {
		remaining := uint64(0)
		if f.allocated < f.limit {
			remaining = uint64(f.limit - f.allocated)
		}
		if remaining < u.Free {
			u.Free = remaining
		}
	}
	return u, nil
}

type faultyFile struct {
	File
	fs    *FaultyFS
	fault Fault
}

func (ff *faultyFile) Allocate(offset, length int64) error {
	if ff.fault.FailOnAllocate {
		return ff.fault.Err
	}

	// Only growth beyond the current size counts against the limit.
	fi, err := ff.File.Stat()
	if err != nil {
		return err
	}
	grow := offset + length - fi.Size()
	if grow < 0 {
		grow = 0
	}

	ff.fs.mu.Lock()
	exceeded := ff.fs.limit >= 0 && ff.fs.allocated+grow > ff.fs.limit
	if !exceeded {
		ff.fs.allocated += grow
	}
	ff.fs.mu.Unlock()

	if exceeded {
		return &os.PathError{Op: "fallocate", Path: ff.Name(), Err: syscall.ENOSPC}
	}

	if err := ff.File.Allocate(offset, length); err != nil {
		ff.fs.mu.Lock()
		ff.fs.allocated -= grow
		ff.fs.mu.Unlock()
		return err
	}
	return nil
}
