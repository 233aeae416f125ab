// Package shm wraps named POSIX shared-memory objects.
//
// A [File] is a named object in the shared-memory directory (normally
// /dev/shm). It can be created exclusively, opened by another process, grown
// without ever shrinking, mapped, remapped and unlinked. The package holds no
// allocation policy and never retries: callers decide whether a failure such
// as [ErrOutOfSpace] is fatal.
//
// Arena objects of a heap are named "<heap>.arena<index>"; see [ArenaName].
package shm
