package shmheap

import (
	"unsafe"
)

// Sample is an element type that can live in shared memory: plain
// numbers with no pointers.
type Sample interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 | ~complex64 | ~complex128
}

// Hybrid routes slice allocations by size: requests of at least Threshold
// elements come from a shared heap, smaller ones from the Go heap. If the
// shared heap refuses a request the slice comes from the Go heap instead.
//
// The zero value sends everything to the Go heap.
type Hybrid[T Sample] struct {
	// Threshold is the element count from which the shared heap is used.
	// Zero disables shared allocation.
	Threshold int
	// Heap is the shared heap. Nil means the process-wide heap.
	Heap *Heap
	// Logger reports fallbacks. Nil discards them.
	Logger *Logger
}

func (h Hybrid[T]) heap() (*Heap, error) {
	if h.Heap != nil {
		return h.Heap, nil
	}
	return Default()
}

// Make returns a zeroed slice of n elements.
func (h Hybrid[T]) Make(n int) []T {
	if h.Threshold <= 0 || n < h.Threshold {
		return make([]T, n)
	}
	s, err := h.makeShared(n)
	if err != nil {
		if h.Logger != nil {
			h.Logger.LogFallback(n, err)
		}
		return make([]T, n)
	}
	return s
}

func (h Hybrid[T]) makeShared(n int) ([]T, error) {
	heap, err := h.heap()
	if err != nil {
		return nil, err
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	if n > int(^uint(0)>>1)/size {
		return nil, ErrInvalidSize
	}
	b, err := heap.Allocate(n * size)
	if err != nil {
		return nil, err
	}
	clear(b)
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n), nil //nolint:gosec // blocks are granule aligned
}

func bytesOf[T Sample](s []T) []byte {
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero))) //nolint:gosec // view of the same memory
}

// IsShared reports whether s lives in the shared heap.
func (h Hybrid[T]) IsShared(s []T) bool {
	if cap(s) == 0 {
		return false
	}
	heap := h.Heap
	if heap == nil {
		defaultMu.Lock()
		heap = defaultHeap
		defaultMu.Unlock()
	}
	return heap != nil && heap.Contains(bytesOf(s))
}

// Free returns a shared slice to its heap. Go-heap slices are left to the
// garbage collector.
func (h Hybrid[T]) Free(s []T) error {
	if !h.IsShared(s) {
		return nil
	}
	heap, err := h.heap()
	if err != nil {
		return err
	}
	return heap.Deallocate(bytesOf(s))
}
