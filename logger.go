package paradedb

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with index-maintenance specific context.
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

// WithRelation adds the relation identity to the logger.
func (l *Logger) WithRelation(oid uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("relation", oid),
	}
}

// WithXID adds a transaction id field to the logger.
func (l *Logger) WithXID(xid uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("xid", xid),
	}
}

// LogFlush logs the hand-off of a pending batch to the engine writer.
func (l *Logger) LogFlush(ctx context.Context, ops int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "batch flush failed",
			"ops", ops,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "batch flushed",
			"ops", ops,
		)
	}
}

// LogCommit logs a writer commit.
func (l *Logger) LogCommit(ctx context.Context, merged bool, opstamp uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"merge", merged,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "commit completed",
			"merge", merged,
			"opstamp", opstamp,
		)
	}
}

// LogMergeLock logs the outcome of a merge lock acquisition attempt.
func (l *Logger) LogMergeLock(ctx context.Context, purpose string, acquired bool) {
	if acquired {
		l.DebugContext(ctx, "merge lock acquired", "purpose", purpose)
	} else {
		l.DebugContext(ctx, "merge lock busy, deferring maintenance", "purpose", purpose)
	}
}

// LogGarbageCollect logs a metadata garbage collection pass.
func (l *Logger) LogGarbageCollect(ctx context.Context, entries, blocks int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "metadata garbage collection failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "metadata garbage collection completed",
			"entries_removed", entries,
			"blocks_freed", blocks,
		)
	}
}

// LogBulkDelete logs a bulk delete scan.
func (l *Logger) LogBulkDelete(ctx context.Context, examined, removed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "bulk delete failed",
			"examined", examined,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "bulk delete completed",
			"examined", examined,
			"removed", removed,
		)
	}
}
