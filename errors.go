package shmheap

import (
	"errors"
	"fmt"

	"github.com/RedhawkSDR/core-framework-sub010/internal/arena"
	"github.com/RedhawkSDR/core-framework-sub010/internal/resource"
	"github.com/RedhawkSDR/core-framework-sub010/internal/shm"
)

var (
	// ErrCreate is returned when a shared-memory object cannot be created.
	ErrCreate = shm.ErrCreate
	// ErrAlreadyExists is returned when a heap's first arena name is already taken.
	ErrAlreadyExists = shm.ErrAlreadyExists
	// ErrOutOfSpace is returned when the shared-memory filesystem is full.
	ErrOutOfSpace = shm.ErrOutOfSpace
	// ErrMemoryLimit is returned when a new arena would exceed the configured memory limit.
	ErrMemoryLimit = resource.ErrMemoryLimitExceeded
	// ErrInvalidBlock is returned when an offset does not name a live block.
	ErrInvalidBlock = arena.ErrInvalidBlock
	// ErrCorrupt is returned when an attached region does not hold the expected arena.
	ErrCorrupt = arena.ErrCorrupt

	// ErrOutOfMemory is returned by Allocate when no arena has room and a new one cannot be created.
	ErrOutOfMemory = errors.New("shmheap: out of memory")
	// ErrUnknownArena is returned when a Block ID names an arena that cannot be opened.
	ErrUnknownArena = errors.New("shmheap: unknown arena")
	// ErrInvalidPointer is returned when a slice does not belong to any arena of the heap.
	ErrInvalidPointer = errors.New("shmheap: invalid pointer")
	// ErrInvalidSize is returned for allocation sizes that are not positive or too large.
	ErrInvalidSize = errors.New("shmheap: invalid size")
	// ErrInvalidName is returned for heap names that cannot name shared-memory objects.
	ErrInvalidName = errors.New("shmheap: invalid heap name")
	// ErrInvalidID is returned when decoding a malformed Block ID.
	ErrInvalidID = errors.New("shmheap: invalid block id")
	// ErrClosed is returned when using a closed heap or client.
	ErrClosed = errors.New("shmheap: closed")
)

// ArenaError describes a failure involving one arena of a heap.
//
// The underlying error can be accessed via errors.Unwrap.
type ArenaError struct {
	Heap  string
	Index uint32
	Op    string
	Err   error
}

func (e *ArenaError) Error() string {
	return fmt.Sprintf("%s arena %d of heap %q: %v", e.Op, e.Index, e.Heap, e.Err)
}

func (e *ArenaError) Unwrap() error { return e.Err }

// outOfMemory classifies an arena creation failure under ErrOutOfMemory.
func outOfMemory(heap string, index uint32, op string, err error) error {
	return fmt.Errorf("%w: %w", ErrOutOfMemory, &ArenaError{Heap: heap, Index: index, Op: op, Err: err})
}

// invalidPointer classifies a failed pointer lookup or block check under ErrInvalidPointer.
func invalidPointer(op string, addr uintptr, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s of %#x: not in any arena", ErrInvalidPointer, op, addr)
	}
	return fmt.Errorf("%w: %s of %#x: %w", ErrInvalidPointer, op, addr, err)
}
