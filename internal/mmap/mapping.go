package mmap

import (
	"os"
	"sync/atomic"
	"unsafe"
)

// Mapping is a MAP_SHARED view of a shared-memory object.
// It owns the mapped region and is responsible for unmapping it.
type Mapping struct {
	data   []byte
	fd     int
	offset int64
	mode   Mode
	closed atomic.Bool
}

// Map maps length bytes of the object referred to by fd, starting at the
// page-aligned offset. The descriptor must stay open for as long as Remap
// may be called.
func Map(fd uintptr, offset int64, length int, mode Mode) (*Mapping, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}
	if offset < 0 || offset%int64(os.Getpagesize()) != 0 {
		return nil, ErrInvalidOffset
	}
	data, err := osMap(int(fd), offset, length, mode)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, fd: int(fd), offset: offset, mode: mode}, nil
}

// Bytes returns the mapped region.
// Warning: The slice is valid only until Remap or Close is called.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int {
	return len(m.data)
}

// Mode returns the protection the mapping was created with.
func (m *Mapping) Mode() Mode {
	return m.mode
}

// Addr returns the base address of the mapping in this process.
func (m *Mapping) Addr() uintptr {
	if len(m.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
}

// Contains reports whether addr lies inside the mapping.
func (m *Mapping) Contains(addr uintptr) bool {
	base := m.Addr()
	return base != 0 && addr >= base && addr < base+uintptr(len(m.data))
}

// Remap resizes the mapping to newLength bytes. The object must already be
// at least newLength bytes long. The base address may change, so slices
// obtained from Bytes before the call must not be used afterwards.
func (m *Mapping) Remap(newLength int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if newLength <= 0 {
		return ErrInvalidSize
	}
	if newLength == len(m.data) {
		return nil
	}
	data, err := osRemap(m.data, m.fd, m.offset, newLength, m.mode)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

// Advise provides hints to the kernel about how the memory will be accessed.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return osAdvise(m.data, pattern)
}

// Close unmaps the memory. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	data := m.data
	m.data = nil
	if data == nil {
		return nil
	}
	return osUnmap(data)
}
