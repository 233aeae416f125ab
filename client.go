package shmheap

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/RedhawkSDR/core-framework-sub010/internal/arena"
	"github.com/RedhawkSDR/core-framework-sub010/internal/conv"
	"github.com/RedhawkSDR/core-framework-sub010/internal/mmap"
	"github.com/RedhawkSDR/core-framework-sub010/internal/shm"
)

// Client resolves Block IDs issued by a heap in another process. Arenas
// are attached on first use and stay mapped until Close.
//
// Client is safe for concurrent use. It never creates or unlinks arenas.
type Client struct {
	heap string
	dir  string
	opts options
	log  *Logger

	group singleflight.Group

	mu     sync.RWMutex
	arenas map[uint32]*attachment
	closed bool
}

// NewClient returns a client for the heap called heap. Nothing is mapped
// until the first Fetch.
func NewClient(heap string, optFns ...Option) (*Client, error) {
	if err := validateName(heap); err != nil {
		return nil, err
	}
	o := applyOptions(optFns)
	return &Client{
		heap:   heap,
		dir:    shm.ResolveDir(o.dir),
		opts:   o,
		log:    o.logger.WithHeap(heap),
		arenas: make(map[uint32]*attachment),
	}, nil
}

// HeapName returns the name of the heap the client reads from.
func (c *Client) HeapName() string { return c.heap }

// Attached returns the number of arenas currently mapped.
func (c *Client) Attached() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.arenas)
}

// Fetch returns the block named by id, sized to the length originally
// requested from the heap. The arena is attached if needed. With
// WithRetain the block gains a reference that Deallocate must drop.
func (c *Client) Fetch(id BlockID) ([]byte, error) {
	b, attached, err := c.fetch(id)
	c.opts.metrics.RecordFetch(attached, err)
	return b, err
}

func (c *Client) fetch(id BlockID) ([]byte, bool, error) {
	a, attached, err := c.attachment(id.Arena)
	if err != nil {
		return nil, attached, err
	}
	if c.opts.retain {
		if err := a.arena.Retain(id.Offset); err != nil {
			return nil, attached, &ArenaError{Heap: c.heap, Index: id.Arena, Op: "fetch", Err: err}
		}
	}
	b, err := a.arena.Bytes(id.Offset)
	if err != nil {
		return nil, attached, &ArenaError{Heap: c.heap, Index: id.Arena, Op: "fetch", Err: err}
	}
	return b, attached, nil
}

// attachment returns the mapped arena index, attaching it once no matter
// how many goroutines ask concurrently.
func (c *Client) attachment(index uint32) (*attachment, bool, error) {
	c.mu.RLock()
	a, closed := c.arenas[index], c.closed
	c.mu.RUnlock()
	if closed {
		return nil, false, ErrClosed
	}
	if a != nil {
		return a, false, nil
	}

	v, err, _ := c.group.Do(strconv.FormatUint(uint64(index), 10), func() (any, error) {
		c.mu.RLock()
		a := c.arenas[index]
		c.mu.RUnlock()
		if a != nil {
			return a, nil
		}

		a, err := c.attach(index)
		c.log.LogAttach(index, capacityOf(a), err)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			_ = a.release()
			return nil, ErrClosed
		}
		c.arenas[index] = a
		return a, nil
	})
	if err != nil {
		return nil, true, err
	}
	return v.(*attachment), true, nil
}

func (c *Client) attach(index uint32) (_ *attachment, err error) {
	f, err := shm.Open(c.opts.fsys, c.dir, shm.ArenaName(c.heap, index))
	if err != nil {
		if errors.Is(err, shm.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d of heap %q: %w", ErrUnknownArena, index, c.heap, err)
		}
		return nil, &ArenaError{Heap: c.heap, Index: index, Op: "open", Err: err}
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	length, err := conv.Uint64ToInt(uint64(max(f.Size(), 0)))
	if err != nil {
		return nil, &ArenaError{Heap: c.heap, Index: index, Op: "map", Err: err}
	}
	if length < arena.PageSize {
		return nil, &ArenaError{Heap: c.heap, Index: index, Op: "attach", Err: fmt.Errorf("%w: object of %d bytes", ErrCorrupt, length)}
	}
	m, err := f.Map(0, length, mmap.ReadWrite)
	if err != nil {
		return nil, &ArenaError{Heap: c.heap, Index: index, Op: "map", Err: err}
	}

	a, err := arena.Attach(m.Bytes())
	if err == nil && (a.HeapName() != c.heap || a.Index() != index) {
		err = fmt.Errorf("%w: object holds arena %d of heap %q", ErrCorrupt, a.Index(), a.HeapName())
	}
	if err != nil {
		_ = m.Close()
		return nil, &ArenaError{Heap: c.heap, Index: index, Op: "attach", Err: err}
	}
	if err := m.Advise(mmap.AccessWillNeed); err != nil {
		c.log.WithArena(index).Debug("madvise failed", "error", err)
	}
	return newAttachment(a, f, m), nil
}

func (c *Client) lookup(addr uintptr) (*attachment, uint64) {
	if addr == 0 {
		return nil, 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.arenas {
		if off, ok := a.arena.OffsetOf(addr); ok {
			return a, off
		}
	}
	return nil, 0
}

func (c *Client) badPointer(op string, addr uintptr, cause error) error {
	err := invalidPointer(op, addr, cause)
	c.log.LogInvalidPointer(op, addr, cause)
	if c.opts.debug {
		panic(err)
	}
	return err
}

// Deallocate drops one reference to the block starting at b[0]. The block
// returns to its arena's free list, under the arena's shared lock, once
// no reference is left.
func (c *Client) Deallocate(b []byte) error {
	freed, err := c.deallocate(b)
	c.opts.metrics.RecordDeallocate(freed, err)
	return err
}

func (c *Client) deallocate(b []byte) (bool, error) {
	addr := sliceAddr(b)
	a, off := c.lookup(addr)
	if a == nil {
		return false, c.badPointer("deallocate", addr, nil)
	}
	freed, err := a.arena.Deallocate(off)
	if err != nil {
		return false, c.badPointer("deallocate", addr, err)
	}
	return freed, nil
}

// GetID returns the Block ID of the block starting at b[0], so a fetched
// block can be handed on to another process.
func (c *Client) GetID(b []byte) (BlockID, error) {
	addr := sliceAddr(b)
	a, off := c.lookup(addr)
	if a == nil {
		return BlockID{}, c.badPointer("getid", addr, nil)
	}
	if _, err := a.arena.Refs(off); err != nil {
		return BlockID{}, c.badPointer("getid", addr, err)
	}
	return BlockID{Arena: a.index, Offset: off}, nil
}

// Close unmaps every attached arena. Slices returned by Fetch must not be
// used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for index, a := range c.arenas {
		if err := a.release(); err != nil {
			errs = append(errs, &ArenaError{Heap: c.heap, Index: index, Op: "close", Err: err})
		}
	}
	clear(c.arenas)
	return errors.Join(errs...)
}
