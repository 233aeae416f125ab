package fs

import (
	"errors"
	"io"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// File represents an open shared-memory object.
type File interface {
	io.Closer
	Name() string
	Fd() uintptr
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	// Allocate reserves storage for [offset, offset+length), extending the
	// file size if needed. Existing bytes are never touched.
	Allocate(offset, length int64) error
}

// Usage describes the capacity of the filesystem backing a directory.
type Usage struct {
	Total uint64
	Free  uint64
	Used  uint64
}

// FileSystem abstracts shared-memory namespace operations for testability.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
	Usage(dir string) (Usage, error)
}

// LocalFS implements FileSystem using the local os package.
type LocalFS struct{}

func (LocalFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &localFile{File: f}, nil
}

func (LocalFS) Remove(name string) error              { return os.Remove(name) }
func (LocalFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

// Usage reports the capacity of the filesystem holding dir.
func (LocalFS) Usage(dir string) (Usage, error) {
	st, err := disk.Usage(dir)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Total: st.Total, Free: st.Free, Used: st.Used}, nil
}

type localFile struct {
	*os.File
}

func (f *localFile) Allocate(offset, length int64) error {
	if offset < 0 || length <= 0 {
		return errors.New("fs: invalid allocation range")
	}
	return allocate(f.File, offset, length)
}

// Default is the default local file system.
var Default FileSystem = LocalFS{}
