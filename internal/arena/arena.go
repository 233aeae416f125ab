package arena

import (
	"bytes"
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrInvalidCapacity is returned when a region is too small, too large or misaligned.
	ErrInvalidCapacity = errors.New("arena: invalid capacity")
	// ErrNameTooLong is returned when a heap name does not fit the header.
	ErrNameTooLong = errors.New("arena: heap name too long")
	// ErrCorrupt is returned when a region does not hold a valid arena.
	ErrCorrupt = errors.New("arena: corrupt header")
	// ErrInvalidBlock is returned when an offset does not name a live block.
	ErrInvalidBlock = errors.New("arena: invalid block")
)

// Stats reports the state of one arena.
type Stats struct {
	Index         uint32
	Capacity      uint64 // Region size, header page included
	BytesUsed     uint64 // Bytes held by live blocks, headers included
	BytesFree     uint64 // Bytes held by free blocks
	LiveBlocks    uint64
	FreeBlocks    uint64
	LargestFree   uint64 // Largest payload a single allocation can still get
	TotalAllocs   uint64 // Historical
	TotalFrees    uint64 // Historical
	Fragmentation float64
}

// Arena is a process-local view of an allocator living in a shared region.
type Arena struct {
	mem      []byte
	hdr      *header
	lock     Mutex
	capacity uint64
}

func newView(mem []byte) *Arena {
	a := &Arena{}
	a.view(mem)
	return a
}

func (a *Arena) view(mem []byte) {
	a.hdr = (*header)(unsafe.Pointer(&mem[0])) //nolint:gosec // header page is part of the region
	a.capacity = a.hdr.capacity
	a.mem = mem[:a.capacity:a.capacity]
	a.lock = Mutex{state: &a.hdr.lock}
}

// Format initializes mem as an empty arena: a header followed by one free
// block spanning [PageSize, len(mem)).
func Format(mem []byte, heap string, index uint32) (*Arena, error) {
	capacity := uint64(len(mem))
	if capacity < PageSize+MinBlockSize || capacity%Granule != 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if len(heap) > MaxNameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(heap))
	}

	clear(mem[:PageSize])
	h := (*header)(unsafe.Pointer(&mem[0])) //nolint:gosec // header page is part of the region
	h.version = version
	h.index = index
	h.capacity = capacity
	h.nameLen = uint32(len(heap))
	h.cookie = newCookie()
	copy(h.name[:], heap)

	a := newView(mem)
	b := uint64(PageSize)
	a.setHeader(b, (capacity-PageSize)/Granule, flagFree)
	a.writeTail(b)
	a.push(b)

	// Publish the magic last so a concurrent Attach never sees a half-built header.
	h.magic = magic
	return a, nil
}

// Attach validates the header of an existing region and returns a view of it.
func Attach(mem []byte) (*Arena, error) {
	if len(mem) < PageSize+MinBlockSize {
		return nil, fmt.Errorf("%w: region of %d bytes", ErrCorrupt, len(mem))
	}
	h := (*header)(unsafe.Pointer(&mem[0])) //nolint:gosec // header page is part of the region
	switch {
	case h.magic != magic:
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	case h.version != version:
		return nil, fmt.Errorf("%w: layout version %d", ErrCorrupt, h.version)
	case h.capacity > uint64(len(mem)) || h.capacity%Granule != 0 || h.capacity < PageSize+MinBlockSize:
		return nil, fmt.Errorf("%w: capacity %d in region of %d bytes", ErrCorrupt, h.capacity, len(mem))
	case h.nameLen > MaxNameLen:
		return nil, fmt.Errorf("%w: name length %d", ErrCorrupt, h.nameLen)
	}
	return newView(mem), nil
}

// Rebase points the arena at a new local view of the same region, typically
// after a remap moved it. No offset stored in the region changes.
func (a *Arena) Rebase(mem []byte) error {
	if uint64(len(mem)) < a.capacity {
		return fmt.Errorf("%w: rebase onto %d bytes, need %d", ErrInvalidCapacity, len(mem), a.capacity)
	}
	h := (*header)(unsafe.Pointer(&mem[0])) //nolint:gosec // header page is part of the region
	if h.magic != magic || h.capacity != a.capacity {
		return fmt.Errorf("%w: rebase target is not this arena", ErrCorrupt)
	}
	a.view(mem)
	return nil
}

// HeapName returns the heap name recorded in the header.
func (a *Arena) HeapName() string {
	return string(a.hdr.name[:a.hdr.nameLen])
}

// Index returns the arena index recorded in the header.
func (a *Arena) Index() uint32 { return a.hdr.index }

// Capacity returns the region size in bytes.
func (a *Arena) Capacity() uint64 { return a.capacity }

// Base returns the local address of the region.
func (a *Arena) Base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(a.mem))) //nolint:gosec // address arithmetic only
}

// Contains reports whether addr lies inside the region.
func (a *Arena) Contains(addr uintptr) bool {
	base := a.Base()
	return addr >= base && addr < base+uintptr(a.capacity)
}

// OffsetOf translates a local address into a region offset.
func (a *Arena) OffsetOf(addr uintptr) (uint64, bool) {
	if !a.Contains(addr) {
		return 0, false
	}
	return uint64(addr - a.Base()), true
}

// MaxPayload returns the largest request an empty arena of this capacity can hold.
func MaxPayload(capacity uint64) uint64 {
	if capacity < PageSize+MinBlockSize {
		return 0
	}
	return capacity - PageSize - BlockHeaderSize
}

// TryAllocate carves n bytes out of the first free block large enough
// (first fit from the list head). It returns the payload offset of the new
// block. ok is false when no block fits, which is not an error. contended
// reports whether the arena lock was held by someone else on entry.
func (a *Arena) TryAllocate(n int) (offset uint64, ok, contended bool) {
	if n <= 0 || uint64(n) > MaxPayload(a.capacity) {
		return 0, false, false
	}
	need := granulesFor(uint64(n))

	if !a.lock.TryLock() {
		contended = true
		a.lock.Lock()
	}
	defer a.lock.Unlock()

	for g := a.hdr.head; g != 0; {
		b := byteOf(g)
		if a.size(b) >= need {
			a.take(b, need, uint64(n))
			return b + BlockHeaderSize, true, contended
		}
		g = a.next(b)
	}
	return 0, false, contended
}

// take turns free block b into a live block of need granules holding n bytes.
func (a *Arena) take(b, need, n uint64) {
	a.unlink(b)
	size := a.size(b)
	keep := a.flags(b) & flagPrevFree

	if size-need >= minBlocks {
		rest := b + need*Granule
		a.setHeader(rest, size-need, flagFree)
		a.writeTail(rest)
		a.push(rest)
		size = need
	} else {
		a.setPrevFree(b+size*Granule, false)
	}

	a.setHeader(b, size, keep)
	*a.u32(b + offRefs) = 1
	a.setSlack(b, size*Granule-BlockHeaderSize-n)

	a.hdr.used += size * Granule
	a.hdr.live++
	a.hdr.allocs++
}

// block validates that offset is the payload offset of a live block and
// returns the block start.
func (a *Arena) block(offset uint64) (uint64, error) {
	if offset < PageSize+BlockHeaderSize || offset >= a.capacity || offset%Granule != 0 {
		return 0, fmt.Errorf("%w: offset %d outside arena %d", ErrInvalidBlock, offset, a.hdr.index)
	}
	b := offset - BlockHeaderSize
	if !a.valid(b) {
		return 0, fmt.Errorf("%w: no block header at offset %d", ErrInvalidBlock, offset)
	}
	if a.isFree(b) || *a.u32(b + offRefs) == 0 {
		return 0, fmt.Errorf("%w: block at offset %d is already free", ErrInvalidBlock, offset)
	}
	return b, nil
}

// Retain adds a reference to the live block at offset.
func (a *Arena) Retain(offset uint64) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	b, err := a.block(offset)
	if err != nil {
		return err
	}
	*a.u32(b + offRefs)++
	return nil
}

// Refs returns the reference count of the live block at offset.
func (a *Arena) Refs(offset uint64) (uint32, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	b, err := a.block(offset)
	if err != nil {
		return 0, err
	}
	return *a.u32(b + offRefs), nil
}

// Deallocate drops one reference to the block at offset. When the last
// reference goes, the block is merged with free neighbours and pushed on the
// free list, and freed is true. An invalid offset leaves the arena untouched.
func (a *Arena) Deallocate(offset uint64) (freed bool, err error) {
	return a.DeallocateFunc(offset, nil)
}

// DeallocateFunc is Deallocate with a hook. onFree, if not nil, runs under
// the arena lock once the last reference is gone and before the block can
// be handed out again.
func (a *Arena) DeallocateFunc(offset uint64, onFree func()) (freed bool, err error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	b, err := a.block(offset)
	if err != nil {
		return false, err
	}
	refs := a.u32(b + offRefs)
	*refs--
	if *refs > 0 {
		return false, nil
	}
	if onFree != nil {
		onFree()
	}

	size := a.size(b)
	a.hdr.used -= size * Granule
	a.hdr.live--
	a.hdr.frees++

	if nb := b + size*Granule; nb < a.capacity && a.isFree(nb) {
		a.unlink(nb)
		size += a.size(nb)
		a.clearHeader(nb)
	}
	if a.flags(b)&flagPrevFree != 0 {
		pb := b - uint64(*a.u32(b - 4))*Granule
		a.unlink(pb)
		size += a.size(pb)
		a.clearHeader(b)
		b = pb
	}

	a.setHeader(b, size, flagFree)
	a.writeTail(b)
	a.push(b)
	a.setPrevFree(b+size*Granule, true)
	return true, nil
}

// Bytes returns the payload of the live block at offset, sized to the
// length originally requested.
func (a *Arena) Bytes(offset uint64) ([]byte, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	b, err := a.block(offset)
	if err != nil {
		return nil, err
	}
	end := offset + a.bytes(b) - BlockHeaderSize - a.slack(b)
	return a.mem[offset:end:end], nil
}

// Image returns a copy of the whole region taken under the arena lock.
// The copy's lock word is released so it can be attached on its own.
func (a *Arena) Image() []byte {
	a.lock.Lock()
	defer a.lock.Unlock()
	img := bytes.Clone(a.mem)
	(*header)(unsafe.Pointer(&img[0])).lock = unlocked //nolint:gosec // header page is part of the copy
	return img
}

// Stats walks the arena and reports its accounting.
func (a *Arena) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()

	s := Stats{
		Index:       a.hdr.index,
		Capacity:    a.capacity,
		BytesUsed:   a.hdr.used,
		LiveBlocks:  a.hdr.live,
		TotalAllocs: a.hdr.allocs,
		TotalFrees:  a.hdr.frees,
	}
	for g := a.hdr.head; g != 0; g = a.next(byteOf(g)) {
		n := a.bytes(byteOf(g))
		s.FreeBlocks++
		s.BytesFree += n
		if p := n - BlockHeaderSize; p > s.LargestFree {
			s.LargestFree = p
		}
	}
	if s.BytesFree > 0 {
		s.Fragmentation = 1 - float64(s.LargestFree+BlockHeaderSize)/float64(s.BytesFree)
	}
	return s
}

func (a *Arena) String() string {
	s := a.Stats()
	return fmt.Sprintf(
		"Arena{heap: %s, index: %d, capacity: %.2f MB, used: %.2f MB, live: %d, free blocks: %d}",
		a.HeapName(),
		s.Index,
		float64(s.Capacity)/(1024*1024),
		float64(s.BytesUsed)/(1024*1024),
		s.LiveBlocks,
		s.FreeBlocks,
	)
}
