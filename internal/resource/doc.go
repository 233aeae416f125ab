// Package resource implements the Controller for process-wide limits.
//
// The Controller manages two resource types:
//
//   - Memory: Track and limit the bytes mapped as shared-memory arenas (non-blocking, fail-fast)
//   - Throughput: Pace producers that fill shared buffers (token bucket)
//
// # Memory Management
//
// Memory tracking uses a weighted semaphore for hard limits and atomic counters
// for usage tracking. AcquireMemory is non-blocking and returns immediately
// with ErrMemoryLimitExceeded if the limit would be exceeded:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 1 << 30, // 1GB of arenas
//	})
//
//	if err := rc.AcquireMemory(arenaSize); err != nil {
//	    // ErrMemoryLimitExceeded - the heap reports out of memory
//	}
//	defer rc.ReleaseMemory(arenaSize)
//
// # Throughput Pacing
//
//	rc := resource.NewController(resource.Config{
//	    RateLimitBytesPerSec: 512 << 20, // 512MB/s
//	})
//
//	if err := rc.AcquireRate(ctx, len(buf)); err != nil {
//	    return err
//	}
//
// # Nil Safety
//
// All methods handle nil Controller gracefully - they become no-ops.
// This allows optional resource limiting without nil checks everywhere.
package resource
