// Package mmap provides shared memory mappings of shared-memory objects.
//
// # Overview
//
// Every arena of a heap is a shared-memory object mapped MAP_SHARED into each
// process that uses it. Writes through one mapping are visible through every
// other mapping of the same object, in this process or another.
//
// # Usage
//
//	m, err := mmap.Map(f.Fd(), size, mmap.ReadWrite)
//	if err != nil { ... }
//	defer m.Close()
//
//	data := m.Bytes()
//
//	// Follow a grown object. The base address may change.
//	if err := m.Remap(newSize); err != nil { ... }
//
// # Platform Support
//
//   - Linux: mmap(2), mremap(2) with MREMAP_MAYMOVE, madvise(2)
//   - Other Unix: mmap(2); Remap maps the new length and unmaps the old one
//
// # Thread Safety
//
// Bytes, Size and Contains are safe for concurrent use. Remap and Close must
// not race with readers of a previously returned slice; the owner serializes
// them.
package mmap
