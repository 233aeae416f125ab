package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/RedhawkSDR/core-framework-sub010/internal/fs"
	"github.com/RedhawkSDR/core-framework-sub010/internal/mmap"
)

// DefaultDir is where POSIX shared-memory objects live on Linux.
const DefaultDir = "/dev/shm"

// ArenaName returns the object name of arena index of heap.
func ArenaName(heap string, index uint32) string {
	return fmt.Sprintf("%s.arena%d", heap, index)
}

// ResolveDir returns dir, or the shared-memory directory when dir is empty.
// Hosts without /dev/shm fall back to the temporary directory.
func ResolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	if fi, err := os.Stat(DefaultDir); err == nil && fi.IsDir() {
		return DefaultDir
	}
	return os.TempDir()
}

// File is a named shared-memory object.
type File struct {
	fsys fs.FileSystem
	dir  string
	name string
	path string

	mu   sync.Mutex
	f    fs.File
	size int64
}

func validName(name string) error {
	if name == "" || strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Create exclusively creates a zero-length object called name in dir.
func Create(fsys fs.FileSystem, dir, name string) (*File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if fsys == nil {
		fsys = fs.Default
	}
	dir = ResolveDir(dir)
	path := filepath.Join(dir, name)

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}
	return &File{fsys: fsys, dir: dir, name: name, path: path, f: f}, nil
}

// Open attaches to the existing object called name in dir.
func Open(fsys fs.FileSystem, dir, name string) (*File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if fsys == nil {
		fsys = fs.Default
	}
	dir = ResolveDir(dir)
	path := filepath.Join(dir, name)

	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &File{fsys: fsys, dir: dir, name: name, path: path, f: f, size: fi.Size()}, nil
}

// Name returns the object name.
func (f *File) Name() string { return f.name }

// Path returns the full path of the object.
func (f *File) Path() string { return f.path }

// Size returns the size recorded after the last successful Grow or Open.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Grow extends the object to at least newSize bytes. Storage is reserved
// up front so a full filesystem is reported here instead of faulting later
// on first touch. The object never shrinks.
func (f *File) Grow(newSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.f == nil {
		return ErrClosed
	}
	if newSize <= f.size {
		return nil
	}

	need := newSize - f.size
	if u, err := f.fsys.Usage(f.dir); err == nil && u.Total > 0 && uint64(need) > u.Free {
		return fmt.Errorf("%w: need %d bytes, %d free in %s", ErrOutOfSpace, need, u.Free, f.dir)
	}

	if err := f.f.Allocate(0, newSize); err != nil {
		if isSpaceErr(err) {
			return fmt.Errorf("%w: %w", ErrOutOfSpace, err)
		}
		return fmt.Errorf("%w: %w", ErrGrow, err)
	}
	f.size = newSize
	return nil
}

func isSpaceErr(err error) bool {
	return errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EDQUOT) ||
		errors.Is(err, syscall.EFBIG)
}

// Map maps length bytes of the object starting at the page-aligned offset.
func (f *File) Map(offset int64, length int, mode mmap.Mode) (*mmap.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return nil, ErrClosed
	}
	return mmap.Map(f.f.Fd(), offset, length, mode)
}

// Remap resizes m to newLength bytes, which the object must already cover.
// The mapping may move; callers must rebase anything derived from its bytes.
func (f *File) Remap(m *mmap.Mapping, newLength int) error {
	if int64(newLength) > f.Size() {
		return fmt.Errorf("%w: remap to %d beyond object size %d", mmap.ErrInvalidSize, newLength, f.Size())
	}
	return m.Remap(newLength)
}

// Unmap releases m.
func (f *File) Unmap(m *mmap.Mapping) error {
	return m.Close()
}

// Unlink removes the name. Existing mappings stay valid; new Opens fail.
func (f *File) Unlink() error {
	if err := f.fsys.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close closes the descriptor. Mappings made from it stay valid.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}
