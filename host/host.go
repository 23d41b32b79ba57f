// Package host bundles the collaborators an index relation lives in: the
// storage manager, the shared buffer pool, the transaction manager, the
// resource controller and the merge lock manager, plus logging and metrics.
//
// One Host stands for one database cluster. Every session of that cluster
// shares the Host, so buffer content locks (and thereby merge locks and the
// cleanup lock) are seen by all of them.
package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/mergelock"
	"github.com/jnicholls/paradedb/internal/resource"
	"github.com/jnicholls/paradedb/internal/storage"
	"github.com/jnicholls/paradedb/internal/xact"
)

// Relation identifies an index relation.
type Relation struct {
	ID   blockstore.RelID
	Name string
}

func (r Relation) String() string { return fmt.Sprintf("%s (%d)", r.Name, r.ID) }

type options struct {
	bufferCapacity int
	ringSize       int
	resources      resource.Config
	xacts          *xact.Manager
	ambient        []paradedb.Option
}

// Option configures a Host.
type Option func(*options)

// WithBufferCapacity sets the number of buffer pool frames.
func WithBufferCapacity(n int) Option {
	return func(o *options) { o.bufferCapacity = n }
}

// WithRingSize sets the frame count of bulk access strategy rings.
func WithRingSize(n int) Option {
	return func(o *options) { o.ringSize = n }
}

// WithResources sets the resource controller limits.
func WithResources(cfg resource.Config) Option {
	return func(o *options) { o.resources = cfg }
}

// WithTransactions uses m instead of an in-memory transaction manager. The
// Host closes it.
func WithTransactions(m *xact.Manager) Option {
	return func(o *options) { o.xacts = m }
}

// WithAmbient applies logger and metrics options.
func WithAmbient(opts ...paradedb.Option) Option {
	return func(o *options) { o.ambient = append(o.ambient, opts...) }
}

// Host is the shared environment of all sessions.
type Host struct {
	Storage   blockstore.Manager
	Buffers   *buffer.Pool
	Xacts     *xact.Manager
	Resources *resource.Controller
	Locks     *mergelock.Manager
	Logger    *paradedb.Logger
	Metrics   paradedb.MetricsCollector
}

// New builds a Host over smgr.
func New(_ context.Context, smgr blockstore.Manager, opts ...Option) (*Host, error) {
	if smgr == nil {
		return nil, errors.New("host: storage manager is required")
	}
	o := options{bufferCapacity: buffer.DefaultCapacity, ringSize: buffer.DefaultRingSize}
	for _, fn := range opts {
		fn(&o)
	}
	amb := paradedb.ApplyOptions(o.ambient)
	if o.xacts == nil {
		o.xacts = xact.NewManager()
	}

	rc := resource.NewController(o.resources)
	pool := buffer.NewPool(smgr,
		buffer.WithCapacity(o.bufferCapacity),
		buffer.WithRingSize(o.ringSize),
		buffer.WithResourceController(rc),
	)
	return &Host{
		Storage:   smgr,
		Buffers:   pool,
		Xacts:     o.xacts,
		Resources: rc,
		Locks:     mergelock.NewManager(pool, amb.Logger, amb.Metrics),
		Logger:    amb.Logger,
		Metrics:   amb.Metrics,
	}, nil
}

// Relation returns the handle of relation oid.
func (h *Host) Relation(oid uint32, name string) Relation {
	return Relation{ID: blockstore.RelID(oid), Name: name}
}

// CreateRelation creates the relation's storage and its reserved pages.
func (h *Host) CreateRelation(ctx context.Context, rel Relation) error {
	if err := h.Storage.Create(ctx, rel.ID); err != nil {
		return fmt.Errorf("create relation %s: %w", rel, err)
	}
	if err := storage.Init(ctx, h.Buffers, rel.ID); err != nil {
		return fmt.Errorf("initialize relation %s: %w", rel, err)
	}
	return nil
}

// RelationExists reports whether the relation has storage.
func (h *Host) RelationExists(ctx context.Context, rel Relation) (bool, error) {
	return h.Storage.Exists(ctx, rel.ID)
}

// DropRelation discards cached pages and removes the relation's storage.
func (h *Host) DropRelation(ctx context.Context, rel Relation) error {
	h.Buffers.DropRelation(rel.ID)
	return h.Storage.Drop(ctx, rel.ID)
}

// Flush writes dirty pages of rel back and syncs its storage.
func (h *Host) Flush(ctx context.Context, rel Relation) error {
	return h.Buffers.FlushRelation(ctx, rel.ID)
}

// Allocator returns the page allocator of rel.
func (h *Host) Allocator(rel Relation) *storage.Allocator {
	return storage.NewAllocator(h.Buffers, rel.ID)
}

// RelationStats describes the on-disk state of a relation.
type RelationStats struct {
	storage.Stats
	FileEntries    int
	SegmentEntries int
}

// Stats reports the relation's size and persisted list lengths, counting
// entries regardless of visibility.
func (h *Host) Stats(ctx context.Context, rel Relation) (RelationStats, error) {
	alloc := h.Allocator(rel)
	st, err := alloc.RelationStats(ctx)
	if err != nil {
		return RelationStats{}, err
	}
	lists := storage.OpenLists(alloc)
	files, err := lists.Files.List(ctx, buffer.StrategyBulkRead, nil)
	if err != nil {
		return RelationStats{}, err
	}
	segs, err := lists.Segments.List(ctx, buffer.StrategyBulkRead, nil)
	if err != nil {
		return RelationStats{}, err
	}
	return RelationStats{Stats: st, FileEntries: len(files), SegmentEntries: len(segs)}, nil
}

// Close flushes the buffer pool and closes the storage manager and the
// transaction manager.
func (h *Host) Close(ctx context.Context) error {
	return errors.Join(h.Buffers.Close(ctx), h.Storage.Close(), h.Xacts.Close())
}
