package shmheap

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus;
// see the metrics/prometheus package for a ready-made collector.
type MetricsCollector interface {
	// RecordAllocate is called after each Allocate.
	// size is the requested length, duration the time taken, err is nil if successful.
	RecordAllocate(size int, duration time.Duration, err error)

	// RecordDeallocate is called after each Deallocate.
	// freed reports whether the block went back to the free list.
	RecordDeallocate(freed bool, err error)

	// RecordArenaCreated is called after a new arena is created.
	RecordArenaCreated(index uint32, capacity uint64)

	// RecordFetch is called after each Fetch.
	// attached reports whether the call had to attach the arena first.
	RecordFetch(attached bool, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAllocate(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordDeallocate(bool, error)             {}
func (NoopMetricsCollector) RecordArenaCreated(uint32, uint64)        {}
func (NoopMetricsCollector) RecordFetch(bool, error)                  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AllocateCount      atomic.Int64
	AllocateErrors     atomic.Int64
	AllocateBytes      atomic.Int64
	AllocateTotalNanos atomic.Int64
	DeallocateCount    atomic.Int64
	DeallocateErrors   atomic.Int64
	BlocksFreed        atomic.Int64
	ArenasCreated      atomic.Int64
	ArenaBytes         atomic.Int64
	FetchCount         atomic.Int64
	FetchErrors        atomic.Int64
	Attaches           atomic.Int64
}

// RecordAllocate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAllocate(size int, duration time.Duration, err error) {
	b.AllocateCount.Add(1)
	b.AllocateTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AllocateErrors.Add(1)
		return
	}
	b.AllocateBytes.Add(int64(size))
}

// RecordDeallocate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDeallocate(freed bool, err error) {
	b.DeallocateCount.Add(1)
	if err != nil {
		b.DeallocateErrors.Add(1)
	}
	if freed {
		b.BlocksFreed.Add(1)
	}
}

// RecordArenaCreated implements MetricsCollector.
func (b *BasicMetricsCollector) RecordArenaCreated(_ uint32, capacity uint64) {
	b.ArenasCreated.Add(1)
	b.ArenaBytes.Add(int64(capacity)) //nolint:gosec // arena capacity is bounded by MaxCapacity
}

// RecordFetch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFetch(attached bool, err error) {
	b.FetchCount.Add(1)
	if err != nil {
		b.FetchErrors.Add(1)
	}
	if attached {
		b.Attaches.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	allocs := b.AllocateCount.Load()
	var avgAlloc int64
	if allocs > 0 {
		avgAlloc = b.AllocateTotalNanos.Load() / allocs
	}
	return BasicMetricsStats{
		AllocateCount:    allocs,
		AllocateErrors:   b.AllocateErrors.Load(),
		AllocateBytes:    b.AllocateBytes.Load(),
		AllocateAvgNanos: avgAlloc,
		DeallocateCount:  b.DeallocateCount.Load(),
		DeallocateErrors: b.DeallocateErrors.Load(),
		BlocksFreed:      b.BlocksFreed.Load(),
		ArenasCreated:    b.ArenasCreated.Load(),
		ArenaBytes:       b.ArenaBytes.Load(),
		FetchCount:       b.FetchCount.Load(),
		FetchErrors:      b.FetchErrors.Load(),
		Attaches:         b.Attaches.Load(),
	}
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector metrics.
type BasicMetricsStats struct {
	AllocateCount    int64
	AllocateErrors   int64
	AllocateBytes    int64
	AllocateAvgNanos int64
	DeallocateCount  int64
	DeallocateErrors int64
	BlocksFreed      int64
	ArenasCreated    int64
	ArenaBytes       int64
	FetchCount       int64
	FetchErrors      int64
	Attaches         int64
}
