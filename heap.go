package shmheap

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/RedhawkSDR/core-framework-sub010/internal/arena"
	"github.com/RedhawkSDR/core-framework-sub010/internal/conv"
	"github.com/RedhawkSDR/core-framework-sub010/internal/fs"
	"github.com/RedhawkSDR/core-framework-sub010/internal/liveset"
	"github.com/RedhawkSDR/core-framework-sub010/internal/mmap"
	"github.com/RedhawkSDR/core-framework-sub010/internal/resource"
	"github.com/RedhawkSDR/core-framework-sub010/internal/shm"
)

// ArenaStats reports the state of one arena.
type ArenaStats = arena.Stats

// HeapStats reports the state of a heap and of the filesystem backing it.
type HeapStats struct {
	Name       string
	Dir        string
	Arenas     []ArenaStats
	Capacity   uint64 // Sum of arena capacities
	BytesUsed  uint64 // Bytes held by live blocks, headers included
	BytesFree  uint64
	LiveBlocks uint64
	ShmTotal   uint64 // Size of the shared-memory filesystem, 0 if unknown
	ShmFree    uint64
}

// attachment is one mapped arena.
type attachment struct {
	arena   *arena.Arena
	file    *shm.File
	mapping *mmap.Mapping
	mem     []byte
	index   uint32
}

func newAttachment(a *arena.Arena, f *shm.File, m *mmap.Mapping) *attachment {
	return &attachment{
		arena:   a,
		file:    f,
		mapping: m,
		mem:     m.Bytes(),
		index:   a.Index(),
	}
}

func (a *attachment) release() error {
	return errors.Join(a.mapping.Close(), a.file.Close())
}

// threadState caches the arena a goroutine last allocated from.
type threadState struct {
	arena      *attachment
	contention int
}

// Heap owns a named, growable set of arenas in shared memory. Blocks it
// hands out can be named by a BlockID and resolved by a Client in any
// process on the host.
//
// Heap is safe for concurrent use. Close must not race with other calls.
type Heap struct {
	name string
	dir  string
	opts options
	log  *Logger
	rc   *resource.Controller
	live *liveset.Set // nil unless debug

	// arenas is replaced, never mutated, so lookups run without mu.
	arenas atomic.Pointer[[]*attachment]
	closed atomic.Bool
	states sync.Pool

	mu       sync.Mutex
	unlinked bool
	reserved int64
}

// New creates an empty heap called name. No shared memory is created
// until the first allocation. It fails with ErrAlreadyExists when the
// heap's first arena already exists in the shared-memory directory.
func New(name string, optFns ...Option) (*Heap, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	o := applyOptions(optFns)
	dir := shm.ResolveDir(o.dir)

	if _, err := o.fsys.Stat(filepath.Join(dir, shm.ArenaName(name, 0))); err == nil {
		return nil, fmt.Errorf("%w: heap %q in %s", ErrAlreadyExists, name, dir)
	}

	h := &Heap{
		name: name,
		dir:  dir,
		opts: o,
		log:  o.logger.WithHeap(name),
		rc:   resource.NewController(resource.Config{MemoryLimitBytes: o.memoryLimit}),
	}
	if o.debug {
		h.live = liveset.New(arena.Granule)
	}
	h.states.New = func() any { return new(threadState) }
	h.arenas.Store(&[]*attachment{})
	return h, nil
}

func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case len(name) > arena.MaxNameLen-len(".arena4294967295"):
		return fmt.Errorf("%w: %d bytes", ErrInvalidName, len(name))
	}
	return nil
}

// Name returns the heap name.
func (h *Heap) Name() string { return h.name }

// Dir returns the directory holding the heap's arenas.
func (h *Heap) Dir() string { return h.dir }

// Arenas returns the number of arenas created so far.
func (h *Heap) Arenas() int { return len(h.list()) }

func (h *Heap) list() []*attachment { return *h.arenas.Load() }

// Allocate returns a slice of exactly n bytes inside one of the heap's
// arenas. The contents are unspecified. A new arena is created when none
// has room; ErrOutOfMemory is returned only when that creation fails.
func (h *Heap) Allocate(n int) ([]byte, error) {
	start := time.Now()
	b, err := h.allocate(n)
	h.opts.metrics.RecordAllocate(n, time.Since(start), err)
	if err != nil {
		h.log.LogAllocateFailed(n, err)
	}
	return b, err
}

func (h *Heap) allocate(n int) ([]byte, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	size, err := conv.IntToUint64(n)
	if err != nil || size == 0 || size > arena.MaxPayload(arena.MaxCapacity) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}

	ts := h.states.Get().(*threadState)
	defer h.states.Put(ts)

	// A cached arena whose lock keeps being contended is skipped, which
	// moves this goroutine to another arena.
	if a := ts.arena; a != nil && ts.contention < h.opts.maxContention {
		off, ok, contended := a.arena.TryAllocate(n)
		if contended {
			ts.contention++
		} else {
			ts.contention = 0
		}
		if ok {
			return h.issue(a, off, n), nil
		}
	}
	return h.allocateSlow(ts, n)
}

// allocateSlow scans every arena except the cached one, starting after it,
// and creates a new arena when none has room.
func (h *Heap) allocateSlow(ts *threadState, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return nil, ErrClosed
	}

	list := h.list()
	skip := ts.arena
	start := 0
	if skip != nil {
		start = int(skip.index) + 1
	}
	for i := range list {
		a := list[(start+i)%len(list)]
		if a == skip {
			continue
		}
		if off, ok, _ := a.arena.TryAllocate(n); ok {
			ts.arena, ts.contention = a, 0
			return h.issue(a, off, n), nil
		}
	}

	index, err := conv.IntToUint32(len(list))
	if err != nil {
		return nil, outOfMemory(h.name, 0, "create", err)
	}
	a, err := h.createArena(index, n)
	h.log.LogArenaCreated(index, capacityOf(a), err)
	if err != nil {
		return nil, err
	}
	h.opts.metrics.RecordArenaCreated(index, a.arena.Capacity())

	grown := append(slices.Clone(list), a)
	h.arenas.Store(&grown)

	off, ok, _ := a.arena.TryAllocate(n)
	if !ok {
		// The arena was sized for n, so this is a layout bug.
		return nil, outOfMemory(h.name, index, "allocate", arena.ErrCorrupt)
	}
	ts.arena, ts.contention = a, 0
	return h.issue(a, off, n), nil
}

func capacityOf(a *attachment) uint64 {
	if a == nil {
		return 0
	}
	return a.arena.Capacity()
}

// arenaCapacity returns the capacity of a new arena able to hold n bytes.
func (h *Heap) arenaCapacity(n int) uint64 {
	need := uint64(arena.PageSize) + max(uint64(arena.MinBlockSize), roundUp(uint64(n)+arena.BlockHeaderSize, arena.Granule))
	size := max(uint64(h.opts.arenaSize), need) //nolint:gosec // arenaSize is positive
	return min(roundUp(size, arena.PageSize), arena.MaxCapacity)
}

func roundUp(n, to uint64) uint64 {
	return (n + to - 1) / to * to
}

// createArena builds arena index: reserve, create, grow, map and format.
// Every step is undone on failure so existing arenas are left untouched.
func (h *Heap) createArena(index uint32, n int) (_ *attachment, err error) {
	capacity := h.arenaCapacity(n)
	size, err := conv.Uint64ToInt64(capacity)
	if err != nil {
		return nil, outOfMemory(h.name, index, "size", err)
	}
	length, err := conv.Uint64ToInt(capacity)
	if err != nil {
		return nil, outOfMemory(h.name, index, "size", err)
	}

	if err := h.rc.AcquireMemory(size); err != nil {
		return nil, outOfMemory(h.name, index, "reserve", err)
	}
	defer func() {
		if err != nil {
			h.rc.ReleaseMemory(size)
		}
	}()

	f, err := shm.Create(h.opts.fsys, h.dir, shm.ArenaName(h.name, index))
	if err != nil {
		return nil, outOfMemory(h.name, index, "create", err)
	}
	defer func() {
		if err != nil {
			_ = f.Unlink()
			_ = f.Close()
		}
	}()

	if err := f.Grow(size); err != nil {
		return nil, outOfMemory(h.name, index, "grow", err)
	}
	m, err := f.Map(0, length, mmap.ReadWrite)
	if err != nil {
		return nil, outOfMemory(h.name, index, "map", err)
	}
	a, err := arena.Format(m.Bytes(), h.name, index)
	if err != nil {
		_ = m.Close()
		return nil, outOfMemory(h.name, index, "format", err)
	}

	if h.unlinked {
		if err := f.Unlink(); err != nil {
			h.log.WithArena(index).Warn("unlink of new arena failed", "error", err)
		}
	}
	h.reserved += size
	return newAttachment(a, f, m), nil
}

func (h *Heap) issue(a *attachment, off uint64, n int) []byte {
	if h.live != nil {
		h.live.Add(a.index, off)
	}
	end := off + uint64(n)
	return a.mem[off:end:end]
}

func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b))) //nolint:gosec // address arithmetic only
}

// lookup finds the arena holding addr and the offset of addr within it.
func (h *Heap) lookup(addr uintptr) (*attachment, uint64) {
	if addr == 0 {
		return nil, 0
	}
	for _, a := range h.list() {
		if off, ok := a.arena.OffsetOf(addr); ok {
			return a, off
		}
	}
	return nil, 0
}

// badPointer reports a pointer that does not name a block of the heap.
// In debug mode it panics.
func (h *Heap) badPointer(op string, addr uintptr, cause error) error {
	err := invalidPointer(op, addr, cause)
	h.log.LogInvalidPointer(op, addr, cause)
	if h.opts.debug {
		panic(err)
	}
	return err
}

// Deallocate returns the block starting at b[0] to its arena. The block is
// reused only once every reference taken by clients is dropped too.
func (h *Heap) Deallocate(b []byte) error {
	freed, err := h.deallocate(b)
	h.opts.metrics.RecordDeallocate(freed, err)
	return err
}

func (h *Heap) deallocate(b []byte) (bool, error) {
	if h.closed.Load() {
		return false, ErrClosed
	}
	addr := sliceAddr(b)
	a, off := h.lookup(addr)
	if a == nil {
		return false, h.badPointer("deallocate", addr, nil)
	}
	var onFree func()
	if h.live != nil {
		if !h.live.Contains(a.index, off) {
			return false, h.badPointer("deallocate", addr, fmt.Errorf("%w: offset %d was not issued by this heap", ErrInvalidBlock, off))
		}
		// The registry entry must go before the arena lock is released,
		// or a racing Allocate of the same offset would lose its entry.
		onFree = func() { h.live.Remove(a.index, off) }
	}
	freed, err := a.arena.DeallocateFunc(off, onFree)
	if err != nil {
		return false, h.badPointer("deallocate", addr, err)
	}
	return freed, nil
}

// GetID returns the process-independent name of the block starting at b[0].
func (h *Heap) GetID(b []byte) (BlockID, error) {
	if h.closed.Load() {
		return BlockID{}, ErrClosed
	}
	addr := sliceAddr(b)
	a, off := h.lookup(addr)
	if a == nil {
		return BlockID{}, h.badPointer("getid", addr, nil)
	}
	if _, err := a.arena.Refs(off); err != nil {
		return BlockID{}, h.badPointer("getid", addr, err)
	}
	return BlockID{Arena: a.index, Offset: off}, nil
}

// Fetch resolves id against the heap's own mappings. The result starts at
// the same address Allocate returned for the block.
func (h *Heap) Fetch(id BlockID) ([]byte, error) {
	b, err := h.fetch(id)
	h.opts.metrics.RecordFetch(false, err)
	return b, err
}

func (h *Heap) fetch(id BlockID) ([]byte, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	list := h.list()
	if uint64(id.Arena) >= uint64(len(list)) {
		return nil, fmt.Errorf("%w: %d of heap %q", ErrUnknownArena, id.Arena, h.name)
	}
	b, err := list[id.Arena].arena.Bytes(id.Offset)
	if err != nil {
		return nil, &ArenaError{Heap: h.name, Index: id.Arena, Op: "fetch", Err: err}
	}
	return b, nil
}

// Contains reports whether b starts inside one of the heap's arenas.
func (h *Heap) Contains(b []byte) bool {
	a, _ := h.lookup(sliceAddr(b))
	return a != nil
}

// Unlink removes the names of every arena. Mappings in this and other
// processes stay valid, but clients can no longer attach. Arenas created
// afterwards are unlinked as soon as they are mapped.
func (h *Heap) Unlink() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.list()
	var errs []error
	for _, a := range list {
		if err := a.file.Unlink(); err != nil {
			errs = append(errs, &ArenaError{Heap: h.name, Index: a.index, Op: "unlink", Err: err})
		}
	}
	h.unlinked = true
	err := errors.Join(errs...)
	h.log.LogUnlink(len(list), err)
	return err
}

// Close unmaps every arena and releases the memory reservation. It does
// not unlink; call Unlink first to remove the names. Slices returned by
// the heap must not be used after Close.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, a := range h.list() {
		if err := a.release(); err != nil {
			errs = append(errs, &ArenaError{Heap: h.name, Index: a.index, Op: "close", Err: err})
		}
	}
	h.arenas.Store(&[]*attachment{})
	h.rc.ReleaseMemory(h.reserved)
	h.reserved = 0
	if h.live != nil {
		h.live.Clear()
	}
	return errors.Join(errs...)
}

// Stats reports per-arena accounting and the free space left in the
// shared-memory filesystem.
func (h *Heap) Stats() HeapStats {
	s := HeapStats{Name: h.name, Dir: h.dir}
	for _, a := range h.list() {
		as := a.arena.Stats()
		s.Arenas = append(s.Arenas, as)
		s.Capacity += as.Capacity
		s.BytesUsed += as.BytesUsed
		s.BytesFree += as.BytesFree
		s.LiveBlocks += as.LiveBlocks
	}
	if u, err := h.usage(); err == nil {
		s.ShmTotal, s.ShmFree = u.Total, u.Free
	}
	return s
}

func (h *Heap) usage() (fs.Usage, error) {
	return h.opts.fsys.Usage(h.dir)
}

// Check verifies the block structure and free list of every arena.
func (h *Heap) Check() error {
	var errs []error
	for _, a := range h.list() {
		if err := a.arena.Check(); err != nil {
			errs = append(errs, &ArenaError{Heap: h.name, Index: a.index, Op: "check", Err: err})
		}
	}
	return errors.Join(errs...)
}

// Dump writes every block of every arena to w.
func (h *Heap) Dump(w io.Writer) error {
	list := h.list()
	if _, err := fmt.Fprintf(w, "Heap{name: %s, dir: %s, arenas: %d}\n", h.name, h.dir, len(list)); err != nil {
		return err
	}
	for _, a := range list {
		if err := a.arena.Dump(w); err != nil {
			return err
		}
	}
	return nil
}

func (h *Heap) String() string {
	s := h.Stats()
	return fmt.Sprintf(
		"Heap{name: %s, arenas: %d, capacity: %.2f MB, used: %.2f MB, live: %d}",
		s.Name,
		len(s.Arenas),
		float64(s.Capacity)/(1024*1024),
		float64(s.BytesUsed)/(1024*1024),
		s.LiveBlocks,
	)
}
