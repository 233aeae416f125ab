package shmheap

import (
	"log/slog"

	"github.com/RedhawkSDR/core-framework-sub010/internal/fs"
)

// DefaultArenaSize is the size of each arena created by a heap unless a
// single request needs more.
const DefaultArenaSize = 2 * 1024 * 1024

// DefaultMaxContention is how many contended lock acquisitions a goroutine's
// cached arena tolerates before the goroutine moves to another arena.
const DefaultMaxContention = 4

type options struct {
	arenaSize     int64
	dir           string
	logger        *Logger
	metrics       MetricsCollector
	memoryLimit   int64
	debug         bool
	fsys          fs.FileSystem
	maxContention int
	retain        bool
}

// Option configures a Heap or a Client.
type Option func(*options)

// WithArenaSize sets the capacity of newly created arenas. Values are
// rounded up to the page size; requests larger than an arena still get an
// arena of their own.
func WithArenaSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.arenaSize = size
		}
	}
}

// WithDir sets the directory that holds the shared-memory objects.
// The default is /dev/shm.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithMetricsCollector sets a custom metrics collector for monitoring.
//
// Example:
//
//	metrics := &shmheap.BasicMetricsCollector{}
//	h, _ := shmheap.New("pipeline", shmheap.WithMetricsCollector(metrics))
//	// ... use heap ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metrics = mc
		}
	}
}

// WithLogger sets a custom structured logger.
//
// Example:
//
//	logger := shmheap.NewJSONLogger(slog.LevelInfo)
//	h, _ := shmheap.New("pipeline", shmheap.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogLevel creates a text logger at the given level.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMemoryLimit caps the total capacity of all arenas of a heap.
// Allocations that would need a new arena beyond the cap fail with
// ErrOutOfMemory wrapping ErrMemoryLimit. Zero means unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithDebug tracks every live block and panics when a slice that does not
// belong to the heap is deallocated.
func WithDebug(enabled bool) Option {
	return func(o *options) {
		o.debug = enabled
	}
}

// WithFileSystem replaces the filesystem used for shared-memory objects.
// Used to inject faults in tests.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fsys = fsys
		}
	}
}

// WithMaxContention sets how many contended allocations a goroutine
// tolerates on its cached arena before moving to another one. The move
// skips the contended arena, so when it is the only arena with room the
// heap grows by a new arena. Larger values trade that growth for more
// waiting on the arena lock.
func WithMaxContention(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxContention = n
		}
	}
}

// WithRetain makes Client.Fetch take a reference on every fetched block.
// Each fetch must then be matched by a Client.Deallocate.
func WithRetain(enabled bool) Option {
	return func(o *options) {
		o.retain = enabled
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		arenaSize:     DefaultArenaSize,
		logger:        NoopLogger(),
		metrics:       NoopMetricsCollector{},
		fsys:          fs.Default,
		maxContention: DefaultMaxContention,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}
