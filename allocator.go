package shmheap

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// The process-wide heap behind the package-level functions.
var (
	defaultMu   sync.Mutex
	defaultHeap *Heap
)

// DefaultName returns the name of the process-wide heap: "shmheap-<pid>".
func DefaultName() string {
	return fmt.Sprintf("shmheap-%d", os.Getpid())
}

// Default returns the process-wide heap, creating it on first use.
func Default() (*Heap, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultHeap != nil {
		return defaultHeap, nil
	}
	h, err := New(DefaultName())
	if err != nil {
		return nil, err
	}
	defaultHeap = h
	return h, nil
}

// SetDefault replaces the process-wide heap and returns the previous one,
// which may be nil. The caller owns the returned heap.
func SetDefault(h *Heap) *Heap {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultHeap
	defaultHeap = h
	return prev
}

// Allocate allocates n bytes from the process-wide heap.
func Allocate(n int) ([]byte, error) {
	h, err := Default()
	if err != nil {
		return nil, err
	}
	return h.Allocate(n)
}

// Deallocate returns b to the process-wide heap.
func Deallocate(b []byte) error {
	h, err := Default()
	if err != nil {
		return err
	}
	return h.Deallocate(b)
}

// GetID returns the Block ID of b in the process-wide heap.
func GetID(b []byte) (BlockID, error) {
	h, err := Default()
	if err != nil {
		return BlockID{}, err
	}
	return h.GetID(b)
}

// HeapName returns the name of the process-wide heap.
func HeapName() string {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultHeap != nil {
		return defaultHeap.Name()
	}
	return DefaultName()
}

// Shutdown unlinks and closes the process-wide heap. A later call to any
// package-level function creates a fresh one.
func Shutdown() error {
	defaultMu.Lock()
	h := defaultHeap
	defaultHeap = nil
	defaultMu.Unlock()

	if h == nil {
		return nil
	}
	return errors.Join(h.Unlink(), h.Close())
}
