package shmheap

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with shmheap-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithHeap adds a heap name field to the logger.
func (l *Logger) WithHeap(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("heap", name),
	}
}

// WithArena adds an arena index field to the logger.
func (l *Logger) WithArena(index uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("arena", index),
	}
}

// LogArenaCreated logs the outcome of creating a new arena.
func (l *Logger) LogArenaCreated(index uint32, capacity uint64, err error) {
	if err != nil {
		l.Error("arena creation failed",
			"arena", index,
			"capacity", capacity,
			"error", err,
		)
	} else {
		l.Info("arena created",
			"arena", index,
			"capacity", capacity,
		)
	}
}

// LogAllocateFailed logs an allocation that could not be served.
func (l *Logger) LogAllocateFailed(size int, err error) {
	l.Error("allocate failed",
		"size", size,
		"error", err,
	)
}

// LogInvalidPointer logs a pointer that does not belong to the heap.
func (l *Logger) LogInvalidPointer(op string, addr uintptr, err error) {
	l.Warn("invalid pointer",
		"op", op,
		"addr", addr,
		"error", err,
	)
}

// LogAttach logs a client attaching to an arena.
func (l *Logger) LogAttach(index uint32, capacity uint64, err error) {
	if err != nil {
		l.Warn("attach failed",
			"arena", index,
			"error", err,
		)
	} else {
		l.Debug("arena attached",
			"arena", index,
			"capacity", capacity,
		)
	}
}

// LogUnlink logs removal of arena names.
func (l *Logger) LogUnlink(arenas int, err error) {
	if err != nil {
		l.Error("unlink failed",
			"arenas", arenas,
			"error", err,
		)
	} else {
		l.Info("heap unlinked",
			"arenas", arenas,
		)
	}
}

// LogFallback logs a large request served from the Go heap after the
// shared heap refused it.
func (l *Logger) LogFallback(elements int, err error) {
	l.Warn("shared allocation failed, using process heap",
		"elements", elements,
		"error", err,
	)
}

// LogSnapshot logs a heap snapshot.
func (l *Logger) LogSnapshot(arenas int, written int64, err error) {
	if err != nil {
		l.Error("snapshot failed",
			"arenas", arenas,
			"error", err,
		)
	} else {
		l.Info("snapshot written",
			"arenas", arenas,
			"bytes", written,
		)
	}
}
