// Package fs provides the filesystem abstraction used for shared-memory objects.
//
// The package defines two key interfaces:
//
//   - [File]: an open shared-memory object (descriptor, size, storage reservation)
//   - [FileSystem]: operations on the shared-memory namespace (open, remove, stat, usage)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using the os package and fallocate(2)
//   - [FaultyFS]: Test utility for fault injection (simulate a full filesystem)
//
// # Usage
//
// Production code should use fs.Default (which is [LocalFS]):
//
//	file, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
//
// Tests can inject [FaultyFS] to simulate failures:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.SetLimit(4 << 20) // ENOSPC once 4 MiB have been reserved
//	// inject ffs into the heap under test
//
// # Design Notes
//
// This package intentionally does NOT include context.Context parameters.
// Shared-memory objects live on tmpfs; every call is a short, non-interruptible
// syscall.
package fs
