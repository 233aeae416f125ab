// Package testutil provides testing utilities for shmheap.
//
// This package is intended for use in tests and benchmarks only.
// It provides a deterministic random source and helpers for writing and
// verifying recognizable byte patterns in shared buffers.
//
// # Random Sizes
//
//	rng := testutil.NewRNG(seed)
//	n := rng.Size(16, 64<<10)  // allocation size in [16, 64 KiB)
//
// # Patterns
//
//	testutil.Fill(buf, tag)
//	if !testutil.Verify(buf, tag) { ... }
package testutil
