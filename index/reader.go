package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/host"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/channel"
	"github.com/jnicholls/paradedb/internal/directory"
	"github.com/jnicholls/paradedb/internal/storage"
	"github.com/jnicholls/paradedb/internal/xact"
)

// Reader is a read-only view of an index fixed to one snapshot.
//
// While open, a Reader pins the relation's cleanup lock block, so a bulk
// delete waiting for the cleanup lock waits for the Reader to close.
type Reader struct {
	handler  *channel.Handler
	snap     *xact.Snapshot
	pin      *buffer.Buffer
	searcher *fts.Searcher
	rowID    fts.Field
}

// OpenReader opens rel as seen by snap. The Reader takes ownership of snap
// and releases it on Close.
func OpenReader(ctx context.Context, h *host.Host, rel host.Relation, snap *xact.Snapshot, opts ...Option) (*Reader, error) {
	o := applyOptions(opts)
	pin, err := h.Buffers.ReadBuffer(ctx, rel.ID, storage.CleanupLockBlock, buffer.StrategyNormal)
	if err != nil {
		snap.Release()
		return nil, err
	}
	logger := h.Logger.WithRelation(uint32(rel.ID))

	handler, err := channel.NewHandler(func() (fts.Directory, error) {
		var dir fts.Directory = directory.NewSnapshot(h.Buffers, rel.ID, h.Xacts, snap,
			directory.WithStrategy(buffer.StrategyBulkRead),
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
		pin.Release()
		snap.Release()
		return nil, err
	}
	r := &Reader{handler: handler, snap: snap, pin: pin}

	ix, err := fts.Open(ctx, channel.NewDirectory(handler), fts.Settings{Logger: logger.Logger})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open index %s: %w", rel, err), r.Close())
	}
	if r.rowID, err = rowIDField(ix.Schema()); err != nil {
		return nil, errors.Join(err, r.Close())
	}
	if r.searcher, err = ix.Reader(ctx); err != nil {
		return nil, errors.Join(err, r.Close())
	}
	return r, nil
}

// Searcher returns the engine searcher.
func (r *Reader) Searcher() *fts.Searcher { return r.searcher }

// Schema returns the index schema.
func (r *Reader) Schema() *fts.Schema { return r.searcher.Schema() }

// RowIDField returns the row id field.
func (r *Reader) RowIDField() fts.Field { return r.rowID }

// Opstamp returns the opstamp of the commit the Reader sees.
func (r *Reader) Opstamp() fts.Opstamp { return r.searcher.Meta().Opstamp }

// NumDocs returns the number of live documents.
func (r *Reader) NumDocs() uint64 { return r.searcher.NumDocs() }

// Search returns the live documents containing term.
func (r *Reader) Search(term fts.Term) []fts.DocAddress { return r.searcher.Search(term) }

// Doc loads the stored fields of addr.
func (r *Reader) Doc(addr fts.DocAddress) (*fts.Document, error) { return r.searcher.Doc(addr) }

// RowID returns the row id of addr.
func (r *Reader) RowID(addr fts.DocAddress) (RowID, error) {
	readers := r.searcher.SegmentReaders()
	if addr.Segment < 0 || addr.Segment >= len(readers) {
		return 0, fmt.Errorf("index: segment ordinal %d out of range", addr.Segment)
	}
	col, err := readers[addr.Segment].FastU64(r.rowID)
	if err != nil {
		return 0, err
	}
	return RowID(col.Get(addr.Doc)), nil
}

// RowIDs returns the row ids of every live document, segment by segment.
func (r *Reader) RowIDs() ([]RowID, error) {
	var out []RowID
	for _, seg := range r.searcher.SegmentReaders() {
		col, err := seg.FastU64(r.rowID)
		if err != nil {
			return nil, err
		}
		for doc := range seg.MaxDoc() {
			if !seg.IsDeleted(doc) {
				out = append(out, RowID(col.Get(doc)))
			}
		}
	}
	return out, nil
}

// Close stops the storage worker and drops the snapshot and the pin.
func (r *Reader) Close() error {
	err := r.handler.Close()
	r.pin.Release()
	r.snap.Release()
	return err
}
