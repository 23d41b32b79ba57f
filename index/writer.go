package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/host"
	"github.com/jnicholls/paradedb/internal/channel"
	"github.com/jnicholls/paradedb/internal/directory"
	"github.com/jnicholls/paradedb/internal/mergelock"
	"github.com/jnicholls/paradedb/internal/shared"
	"github.com/jnicholls/paradedb/internal/storage"
	"github.com/jnicholls/paradedb/internal/xact"
)

// State is the lifecycle state of a Writer.
type State int

const (
	StateOpen State = iota
	StateCommitting
	StateConsumed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateConsumed:
		return "consumed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Writer is one indexing session on a relation. It batches inserts and
// deletes, hands them to the engine writer and is consumed by exactly one of
// Commit, CommitInserts or Vacuum.
//
// A Writer is not safe for concurrent use. Sessions on the same relation may
// run concurrently, each with its own Writer.
type Writer struct {
	h          *host.Host
	rel        host.Relation
	txn        *xact.Txn
	schema     *fts.Schema
	rowIDField fts.Field
	handler    *channel.Handler
	engine     *shared.Handle[*fts.IndexWriter]
	pending    []fts.UserOperation
	queueSize  int
	wantsMerge bool
	state      State
	logger     *paradedb.Logger
	metrics    paradedb.MetricsCollector
}

type loadFunc func(ctx context.Context, dir fts.Directory, settings fts.Settings) (*fts.Index, error)

// Open starts a writer session on an existing index.
func Open(ctx context.Context, h *host.Host, rel host.Relation, txn *xact.Txn, dirType DirectoryType, res Resources, opts ...Option) (*Writer, error) {
	return open(ctx, h, rel, txn, dirType, res, applyOptions(opts), fts.Open)
}

// Create lays out rel if it is still empty, writes an empty index with
// schema and returns the session that builds it. The schema must carry the
// row id field; see NewSchemaBuilder.
func Create(ctx context.Context, h *host.Host, rel host.Relation, txn *xact.Txn, schema *fts.Schema, opts ...Option) (*Writer, error) {
	if _, err := rowIDField(schema); err != nil {
		return nil, err
	}
	if err := h.CreateRelation(ctx, rel); err != nil && !errors.Is(err, storage.ErrAlreadyInitialized) {
		return nil, err
	}
	create := func(ctx context.Context, dir fts.Directory, settings fts.Settings) (*fts.Index, error) {
		// Index builds already saturate the session; keep compression inline.
		settings.DocStoreCompressDedicatedThread = false
		return fts.Create(ctx, dir, schema, settings)
	}
	return open(ctx, h, rel, txn, DirectoryMVCC, ResourcesCreateIndex, applyOptions(opts), create)
}

func open(ctx context.Context, h *host.Host, rel host.Relation, txn *xact.Txn, dirType DirectoryType, res Resources, o options, load loadFunc) (*Writer, error) {
	logger := h.Logger.WithRelation(uint32(rel.ID)).WithXID(uint64(txn.XID()))

	handler, err := channel.NewHandler(func() (fts.Directory, error) {
		var dir fts.Directory = directory.NewMutable(h.Buffers, rel.ID, txn,
			directory.WithStrategy(dirType.strategy()),
			directory.WithLogger(logger),
		)
		if o.wrapDir != nil {
			dir = o.wrapDir(dir)
		}
		return dir, nil
	},
		channel.WithCapacity(o.channelCapacity),
		channel.WithLogger(logger),
		channel.WithMetrics(h.Metrics),
	)
	if err != nil {
		return nil, err
	}

	settings := fts.DefaultSettings()
	settings.Logger = logger.Logger
	if o.compression != nil {
		settings.DocStoreCompression = *o.compression
	}
	ix, err := load(ctx, channel.NewDirectory(handler), settings)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open index %s: %w", rel, err), handler.Close())
	}
	field, err := rowIDField(ix.Schema())
	if err != nil {
		return nil, errors.Join(err, handler.Close())
	}

	p := res.params(h.Resources)
	iw, err := ix.Writer(ctx, fts.WriterOptions{
		Parallelism:  p.parallelism,
		MemoryBudget: p.memoryBudget,
		MergePolicy:  o.mergePolicy,
		Resources:    h.Resources,
	})
	if err != nil {
		return nil, errors.Join(err, handler.Close())
	}

	logger.Debug("writer session opened", "resources", res.String(), "parallelism", p.parallelism)
	return &Writer{
		h:          h,
		rel:        rel,
		txn:        txn,
		schema:     ix.Schema(),
		rowIDField: field,
		handler:    handler,
		engine:     shared.New(iw),
		pending:    make([]fts.UserOperation, 0, o.queueSize),
		queueSize:  o.queueSize,
		wantsMerge: p.wantsMerge,
		logger:     logger,
		metrics:    h.Metrics,
	}, nil
}

// Schema returns the index schema.
func (w *Writer) Schema() *fts.Schema { return w.schema }

// RowIDField returns the field that carries row ids, for callers building
// row id terms themselves.
func (w *Writer) RowIDField() fts.Field { return w.rowIDField }

// State returns the session state.
func (w *Writer) State() State { return w.state }

// Pending returns the number of queued operations.
func (w *Writer) Pending() int { return len(w.pending) }

// WantsMerge reports whether CommitInserts may merge segments.
func (w *Writer) WantsMerge() bool { return w.wantsMerge }

func (w *Writer) usable() error {
	switch w.state {
	case StateOpen:
		return nil
	case StateAborted:
		return paradedb.ErrSessionAborted
	default:
		return paradedb.ErrWriterConsumed
	}
}

// Insert stamps rowID into doc and queues it.
func (w *Writer) Insert(ctx context.Context, doc *fts.Document, rowID RowID) error {
	if err := w.usable(); err != nil {
		return err
	}
	doc.AddU64(w.rowIDField, uint64(rowID))
	return w.enqueue(ctx, fts.AddOperation(doc))
}

// DeleteTerm queues the deletion of every document containing term.
func (w *Writer) DeleteTerm(ctx context.Context, term fts.Term) error {
	if err := w.usable(); err != nil {
		return err
	}
	return w.enqueue(ctx, fts.DeleteOperation(term))
}

func (w *Writer) enqueue(ctx context.Context, op fts.UserOperation) error {
	w.pending = append(w.pending, op)
	if len(w.pending) >= w.queueSize {
		return w.flush(ctx)
	}
	return nil
}

// flush hands the whole pending batch to the engine in one call.
func (w *Writer) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	ops := w.pending
	w.pending = make([]fts.UserOperation, 0, w.queueSize)

	start := time.Now()
	ref := w.engine.Clone()
	_, err := ref.Get().Run(ctx, ops)
	ref.Release()
	err = w.check(err)

	w.metrics.RecordFlush(len(ops), time.Since(start), err)
	w.logger.LogFlush(ctx, len(ops), err)
	return err
}

// check turns a storage worker fault into a session abort.
func (w *Writer) check(err error) error {
	if err == nil || !errors.Is(err, channel.ErrWorkerTerminated) {
		return err
	}
	if w.state != StateAborted {
		w.state = StateAborted
		_ = w.discard()
	}
	return fmt.Errorf("%w: %w", paradedb.ErrSessionAborted, err)
}

// discard drops the engine writer and stops the storage worker.
func (w *Writer) discard() error {
	w.pending = nil
	if w.engine != nil {
		iw := w.engine.IntoInner()
		w.engine = nil
		_ = iw.Close()
	}
	return w.handler.Close()
}

// Commit drains the pending queue and commits the engine writer.
//
// With shouldMerge, Commit returns only after every merge the commit started
// has finished. Without it, merging is disabled before committing so the
// commit starts no background work. Commit consumes the Writer.
func (w *Writer) Commit(ctx context.Context, shouldMerge bool) (fts.Opstamp, error) {
	if err := w.usable(); err != nil {
		return 0, err
	}
	w.state = StateCommitting
	start := time.Now()

	stamp, err := w.commit(ctx, shouldMerge)
	if w.state != StateAborted {
		w.state = StateConsumed
	}

	w.metrics.RecordCommit(shouldMerge, time.Since(start), err)
	w.logger.LogCommit(ctx, shouldMerge, uint64(stamp), err)
	return stamp, err
}

func (w *Writer) commit(ctx context.Context, shouldMerge bool) (fts.Opstamp, error) {
	if err := w.flush(ctx); err != nil {
		if w.state == StateAborted {
			return 0, err
		}
		return 0, errors.Join(err, w.discard())
	}

	iw := w.engine.IntoInner()
	w.engine = nil

	var (
		stamp fts.Opstamp
		err   error
	)
	if shouldMerge {
		stamp, err = iw.Commit(ctx)
		if err == nil {
			err = iw.WaitMergingThreads(ctx)
		}
	} else {
		iw.SetMergePolicy(fts.NoMergePolicy())
		stamp, err = iw.Commit(ctx)
	}
	_ = iw.Close()

	if cerr := w.handler.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, channel.ErrWorkerTerminated) {
		w.state = StateAborted
		return 0, fmt.Errorf("%w: %w", paradedb.ErrSessionAborted, err)
	}
	if err != nil {
		return 0, err
	}
	if err := w.h.Flush(ctx, w.rel); err != nil {
		return 0, err
	}
	return stamp, nil
}

// CommitInserts commits an insert session. When the session may merge and
// the relation's merge lock is free, it commits with merging and then
// garbage collects the relation's metadata lists. On contention it commits
// without merging and leaves maintenance to the lock holder.
func (w *Writer) CommitInserts(ctx context.Context) error {
	if err := w.usable(); err != nil {
		return err
	}
	var guard *mergelock.Guard
	if w.wantsMerge {
		g, ok, err := w.h.Locks.AcquireForMerge(ctx, w.rel.ID)
		if err != nil {
			return err
		}
		if ok {
			guard = g
			defer guard.Release()
		}
	}

	if _, err := w.Commit(ctx, guard != nil); err != nil {
		return err
	}
	if guard == nil {
		return nil
	}
	_, err := GarbageCollect(ctx, w.h, w.rel, guard)
	return err
}

// Vacuum merges and garbage collects. It waits for the merge lock and
// requires an empty pending queue.
func (w *Writer) Vacuum(ctx context.Context) error {
	if err := w.usable(); err != nil {
		return err
	}
	if n := len(w.pending); n > 0 {
		return fmt.Errorf("%w: %d queued", paradedb.ErrPendingOperations, n)
	}
	guard, err := w.h.Locks.WaitForMerge(ctx, w.rel.ID)
	if err != nil {
		return err
	}
	defer guard.Release()

	if _, err := w.Commit(ctx, true); err != nil {
		return err
	}
	_, err = GarbageCollect(ctx, w.h, w.rel, guard)
	return err
}

// Close discards an uncommitted session. It does nothing once the session
// was consumed or aborted.
func (w *Writer) Close() error {
	if w.state != StateOpen {
		return nil
	}
	w.state = StateAborted
	return w.discard()
}
