package arena

import (
	"fmt"
	"io"
)

// Block describes one block of an arena.
type Block struct {
	Offset uint64 // Payload offset from the region base
	Size   uint64 // Block size in bytes, header included
	Length uint64 // Requested length; 0 for free blocks
	Refs   uint32
	Free   bool
}

// Walk calls fn for every block in address order until fn returns false.
// The arena lock is held throughout, so fn must not call back into a.
func (a *Arena) Walk(fn func(Block) bool) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	for b := uint64(PageSize); b < a.capacity; {
		if !a.valid(b) {
			return fmt.Errorf("%w: bad block header at offset %d", ErrCorrupt, b)
		}
		blk := Block{
			Offset: b + BlockHeaderSize,
			Size:   a.bytes(b),
			Free:   a.isFree(b),
		}
		if !blk.Free {
			blk.Refs = *a.u32(b + offRefs)
			blk.Length = blk.Size - BlockHeaderSize - a.slack(b)
		}
		if !fn(blk) {
			return nil
		}
		b += blk.Size
	}
	return nil
}

// Check verifies the structural invariants of the arena: blocks tile the
// region, no two free blocks are adjacent, boundary tags and prevFree flags
// agree with the neighbours, the free list holds exactly the free blocks and
// the header counters match the blocks.
func (a *Arena) Check() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	var (
		freeBlocks, live, used uint64
		prevFree               bool
	)
	b := uint64(PageSize)
	for b < a.capacity {
		if !a.valid(b) {
			return fmt.Errorf("%w: bad block header at offset %d", ErrCorrupt, b)
		}
		free := a.isFree(b)
		if got := a.flags(b)&flagPrevFree != 0; got != prevFree {
			return fmt.Errorf("%w: prevFree flag at offset %d is %v", ErrCorrupt, b, got)
		}
		if free {
			if prevFree {
				return fmt.Errorf("%w: adjacent free blocks at offset %d", ErrCorrupt, b)
			}
			if tail := uint64(*a.u32(b + a.bytes(b) - 4)); tail != a.size(b) {
				return fmt.Errorf("%w: boundary tag %d at offset %d, want %d", ErrCorrupt, tail, b, a.size(b))
			}
			freeBlocks++
		} else {
			live++
			used += a.bytes(b)
		}
		prevFree = free
		b += a.bytes(b)
	}
	if b != a.capacity {
		return fmt.Errorf("%w: blocks end at %d, capacity %d", ErrCorrupt, b, a.capacity)
	}

	var listed uint64
	var prev uint32
	for g := a.hdr.head; g != 0; g = a.next(byteOf(g)) {
		fb := byteOf(g)
		if fb < PageSize || fb >= a.capacity || !a.valid(fb) || !a.isFree(fb) {
			return fmt.Errorf("%w: free list entry %d is not a free block", ErrCorrupt, fb)
		}
		if a.prev(fb) != prev {
			return fmt.Errorf("%w: broken back link at offset %d", ErrCorrupt, fb)
		}
		listed++
		if listed > freeBlocks {
			return fmt.Errorf("%w: free list longer than %d free blocks", ErrCorrupt, freeBlocks)
		}
		prev = g
	}
	if listed != freeBlocks {
		return fmt.Errorf("%w: free list holds %d of %d free blocks", ErrCorrupt, listed, freeBlocks)
	}
	if live != a.hdr.live || used != a.hdr.used {
		return fmt.Errorf("%w: header counts %d live/%d used, blocks say %d/%d",
			ErrCorrupt, a.hdr.live, a.hdr.used, live, used)
	}
	return nil
}

// Dump writes a human-readable description of the header and every block.
func (a *Arena) Dump(w io.Writer) error {
	if _, err := fmt.Fprintln(w, a.String()); err != nil {
		return err
	}
	var werr error
	err := a.Walk(func(blk Block) bool {
		state := "used"
		if blk.Free {
			state = "free"
		}
		_, werr = fmt.Fprintf(w, "  %s offset=%d size=%d length=%d refs=%d\n",
			state, blk.Offset, blk.Size, blk.Length, blk.Refs)
		return werr == nil
	})
	if err != nil {
		return err
	}
	return werr
}
