// Package arena implements the allocator that lives inside one shared-memory region.
//
// # Layout
//
// The first page of a region is the arena header: magic, layout version, heap
// name, arena index, capacity, header cookie, the process-shared lock word, accounting
// counters and the free-list head. Blocks start at PageSize and tile the rest
// of the region without gaps.
//
// Every block starts with a 16-byte header (size in granules, flags and slack,
// reference count, check word). The check word is a random per-arena cookie
// XORed with the block's granule offset, so bytes copied or forged inside a
// payload are never taken for a header. Free blocks additionally hold prev/next links right after the
// header and a boundary tag (their size) in their last four bytes, which makes
// coalescing with either neighbour O(1).
//
// # Offsets
//
// Nothing inside the region is an absolute address. Free-list links are
// granule offsets from the region base and 0 is the nil link (offset 0 is the
// header page, never a block). The same bytes are therefore valid wherever a
// process maps them, and [Arena.Rebase] only swaps the local view.
//
// # Concurrency Model
//
// All free-list mutation happens under the lock stored in the header, so any
// process that maps the region read-write may allocate, retain or free blocks.
// Rebase must not run concurrently with other methods on the same Arena value.
package arena
