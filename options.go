package paradedb

import (
	"log/slog"
)

// Options holds the ambient dependencies shared by hosts, writers and scanners.
type Options struct {
	Logger  *Logger
	Metrics MetricsCollector
}

// Option configures ambient behavior (logging and metrics).
type Option func(*Options)

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	m := &paradedb.BasicMetricsCollector{}
//	h, _ := host.New(ctx, store, host.WithAmbient(paradedb.WithMetricsCollector(m)))
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *Options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.Metrics = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *Options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.Logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *Options) {
		o.Logger = NewTextLogger(level)
	}
}

// ApplyOptions resolves optFns on top of the defaults (no logging, no metrics).
func ApplyOptions(optFns []Option) Options {
	o := Options{
		Logger:  NoopLogger(),
		Metrics: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
