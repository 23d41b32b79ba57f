package index

import (
	"github.com/jnicholls/paradedb/fts"
)

const (
	// DefaultInsertQueueSize is the number of pending operations that forces
	// a flush to the engine writer.
	DefaultInsertQueueSize = 1000

	// DefaultChannelCapacity is the length of the storage worker's queue.
	DefaultChannelCapacity = 1000
)

type options struct {
	queueSize       int
	channelCapacity int
	mergePolicy     *fts.MergePolicy
	compression     *fts.Compression

	// wrapDir intercepts the worker-side directory. Tests use it to inject
	// storage faults.
	wrapDir func(fts.Directory) fts.Directory
}

// Option configures a writer session or reader.
type Option func(*options)

// WithQueueSize sets the pending operation threshold.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithChannelCapacity sets the storage worker queue length.
func WithChannelCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.channelCapacity = n
		}
	}
}

// WithMergePolicy overrides the engine's merge policy for merging commits.
func WithMergePolicy(p fts.MergePolicy) Option {
	return func(o *options) { o.mergePolicy = &p }
}

// WithDocStoreCompression overrides the document store codec.
func WithDocStoreCompression(c fts.Compression) Option {
	return func(o *options) { o.compression = &c }
}

func applyOptions(opts []Option) options {
	o := options{
		queueSize:       DefaultInsertQueueSize,
		channelCapacity: DefaultChannelCapacity,
	}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
