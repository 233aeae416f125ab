// Package shmheap provides a heap allocator over POSIX shared memory.
//
// A Heap owns a growing list of arenas. Each arena is a named shared-memory
// object ("<heap>.arena<index>", normally in /dev/shm) holding a first-fit
// free-list allocator whose links are offsets, never addresses, so the
// region stays valid wherever a process maps it. A block is named across
// processes by a BlockID: the arena index and the payload offset.
//
// # Owner side
//
//	h, _ := shmheap.New("pipeline")
//	defer h.Close()
//	defer h.Unlink()
//
//	buf, _ := h.Allocate(4096)
//	fill(buf)
//	id, _ := h.GetID(buf)
//	send(id.String()) // any out-of-band channel
//
// # Client side
//
//	c, _ := shmheap.NewClient("pipeline")
//	defer c.Close()
//
//	id, _ := shmheap.ParseBlockID(recv())
//	buf, _ := c.Fetch(id) // attaches arena id.Arena on first use
//
// Blocks carry a reference count in shared memory. The block returns to
// the free list once the owner and every client that took a reference
// (see WithRetain) have deallocated it.
//
// # Concurrency
//
// Goroutines allocate from a cached arena without taking the heap lock;
// every arena has its own process-shared lock in its header page. The heap
// lock is only taken when the cached arena is full or too contended, and
// while a new arena is created.
//
// A goroutine that leaves a contended arena does not go back to it on that
// allocation. If no other arena has room, a new arena is created even though
// the contended one still had space, so contention alone can grow the heap.
// Use WithMaxContention to make this rarer.
//
// # Process-wide heap
//
// Allocate, Deallocate, GetID and HeapName use a heap named
// "shmheap-<pid>" created on first use; Shutdown removes it. Hybrid routes
// large slices to a shared heap and small ones to the Go heap.
package shmheap
