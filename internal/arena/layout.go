package arena

import (
	"math/rand"
	"unsafe"
)

const (
	// Granule is the allocation unit. Block sizes and offsets are multiples of it.
	Granule = 16
	// BlockHeaderSize is the per-block overhead in bytes.
	BlockHeaderSize = 16
	// PageSize is the size of the arena header page. Blocks start here.
	PageSize = 4096
	// MinBlockSize is the smallest block; large enough for links and a tail.
	MinBlockSize = 2 * Granule
	// MaxCapacity is the largest region addressable with 32-bit granule links.
	MaxCapacity = (1 << 32) * Granule
	// MaxNameLen is the longest heap name the header can record.
	MaxNameLen = 255

	version   = 2
	minBlocks = MinBlockSize / Granule

	// The flags word holds the magic in the top half and the slack of a
	// live block in bits 8-15.
	blockMagic   = 0xB10C
	flagFree     = 1 << 0
	flagPrevFree = 1 << 1
	slackShift   = 8
	slackMask    = 0xff
)

var magic = [8]byte{'S', 'H', 'M', 'A', 'R', 'E', 'N', 'A'}

// header is the arena header at offset 0 of every region.
type header struct {
	magic    [8]byte
	version  uint32
	index    uint32
	capacity uint64
	lock     uint32
	head     uint32 // granule offset of the first free block, 0 when empty
	used     uint64 // bytes held by live blocks, headers included
	live     uint64
	allocs   uint64
	frees    uint64
	nameLen  uint32
	cookie   uint32 // random per arena; block check words are cookie ^ granule offset
	name     [MaxNameLen + 1]byte
}

// Block header field offsets.
const (
	offSize  = 0
	offFlags = 4
	offRefs  = 8
	offCheck = 12
	offPrev  = 16 // free blocks only
	offNext  = 20 // free blocks only
)

func (a *Arena) u32(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&a.mem[off])) //nolint:gosec // region is 16-byte aligned
}

func (a *Arena) size(b uint64) uint64 { return uint64(*a.u32(b + offSize)) }
func (a *Arena) bytes(b uint64) uint64 { return a.size(b) * Granule }
func (a *Arena) flags(b uint64) uint32 { return *a.u32(b + offFlags) }

func (a *Arena) isFree(b uint64) bool { return a.flags(b)&flagFree != 0 }

func (a *Arena) slack(b uint64) uint64 { return uint64(a.flags(b)>>slackShift) & slackMask }

// checkWord ties a header to its position, so a header-shaped run of
// payload bytes at any other offset is rejected.
func (a *Arena) checkWord(b uint64) uint32 { return a.hdr.cookie ^ granuleOf(b) }

func (a *Arena) valid(b uint64) bool {
	return a.flags(b)>>16 == blockMagic &&
		*a.u32(b + offCheck) == a.checkWord(b) &&
		a.size(b) >= minBlocks &&
		b+a.bytes(b) <= a.capacity
}

func (a *Arena) setHeader(b, size uint64, flags uint32) {
	*a.u32(b + offSize) = uint32(size)
	*a.u32(b + offFlags) = blockMagic<<16 | flags
	*a.u32(b + offRefs) = 0
	*a.u32(b + offCheck) = a.checkWord(b)
}

func (a *Arena) setSlack(b, slack uint64) {
	p := a.u32(b + offFlags)
	*p = *p&^(slackMask<<slackShift) | uint32(slack)<<slackShift
}

func (a *Arena) clearHeader(b uint64) {
	*a.u32(b + offSize) = 0
	*a.u32(b + offFlags) = 0
	*a.u32(b + offRefs) = 0
	*a.u32(b + offCheck) = 0
}

func newCookie() uint32 {
	for {
		if c := rand.Uint32(); c != 0 {
			return c
		}
	}
}

func (a *Arena) setPrevFree(b uint64, on bool) {
	if b >= a.capacity {
		return
	}
	p := a.u32(b + offFlags)
	if on {
		*p |= flagPrevFree
	} else {
		*p &^= flagPrevFree
	}
}

// writeTail stores the boundary tag of free block b.
func (a *Arena) writeTail(b uint64) {
	*a.u32(b + a.bytes(b) - 4) = uint32(a.size(b))
}

func granuleOf(b uint64) uint32 { return uint32(b / Granule) }
func byteOf(g uint32) uint64    { return uint64(g) * Granule }

func (a *Arena) prev(b uint64) uint32 { return *a.u32(b + offPrev) }
func (a *Arena) next(b uint64) uint32 { return *a.u32(b + offNext) }

// unlink removes free block b from the free list.
func (a *Arena) unlink(b uint64) {
	p, n := a.prev(b), a.next(b)
	if p == 0 {
		a.hdr.head = n
	} else {
		*a.u32(byteOf(p) + offNext) = n
	}
	if n != 0 {
		*a.u32(byteOf(n) + offPrev) = p
	}
}

// push puts free block b at the head of the free list.
func (a *Arena) push(b uint64) {
	g := granuleOf(b)
	*a.u32(b + offPrev) = 0
	*a.u32(b + offNext) = a.hdr.head
	if a.hdr.head != 0 {
		*a.u32(byteOf(a.hdr.head) + offPrev) = g
	}
	a.hdr.head = g
}

// granulesFor returns the block size in granules needed for n payload bytes.
func granulesFor(n uint64) uint64 {
	g := (n + BlockHeaderSize + Granule - 1) / Granule
	if g < minBlocks {
		g = minBlocks
	}
	return g
}
