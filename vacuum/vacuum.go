// Package vacuum removes dead rows from an index.
//
// BulkDelete scans every row id in the index, asks the caller whether the
// row is dead and deletes the dead ones. When it deleted anything it
// returns holding the relation's cleanup lock, which it takes only once no
// Reader has the index open. Cleanup releases that lock and runs the
// merging, garbage collecting vacuum pass.
package vacuum

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/host"
	"github.com/jnicholls/paradedb/index"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/storage"
	"github.com/jnicholls/paradedb/internal/xact"
)

// Callback reports whether the row is dead and must leave the index.
type Callback func(index.RowID) bool

// Stats are the maintenance statistics of a relation.
type Stats struct {
	TuplesExamined int
	TuplesRemoved  int
	// IndexTuples and Blocks are filled in by Cleanup.
	IndexTuples uint64
	Blocks      uint32
}

// Result is the outcome of BulkDelete.
type Result struct {
	Stats
	Opstamp fts.Opstamp

	cleanup *buffer.Buffer
}

// HoldsCleanupLock reports whether the result still holds the cleanup lock.
func (r *Result) HoldsCleanupLock() bool { return r != nil && r.cleanup != nil }

// Release drops the cleanup lock, if held. It is safe to call more than once.
func (r *Result) Release() {
	if r == nil || r.cleanup == nil {
		return
	}
	r.cleanup.UnlockRelease()
	r.cleanup = nil
}

// BulkDelete deletes every row for which callback returns true. Counts are
// added to stats when it is not nil.
//
// The scan runs under the relation's delete lock when that is free, which
// keeps merges from running underneath it; on contention it runs anyway.
// Deletes are committed without merging.
func BulkDelete(ctx context.Context, h *host.Host, rel host.Relation, txn *xact.Txn, callback Callback, stats *Stats) (*Result, error) {
	start := time.Now()
	logger := h.Logger.WithRelation(uint32(rel.ID)).WithXID(uint64(txn.XID()))
	res := &Result{}
	if stats != nil {
		res.Stats = *stats
	}
	examined, removed := res.TuplesExamined, res.TuplesRemoved

	err := bulkDelete(ctx, h, rel, txn, callback, res)
	examined, removed = res.TuplesExamined-examined, res.TuplesRemoved-removed

	h.Metrics.RecordBulkDelete(examined, removed, time.Since(start))
	logger.LogBulkDelete(ctx, examined, removed, err)
	if err != nil {
		res.Release()
		return nil, err
	}
	return res, nil
}

func bulkDelete(ctx context.Context, h *host.Host, rel host.Relation, txn *xact.Txn, callback Callback, res *Result) error {
	guard, ok, err := h.Locks.AcquireForDelete(ctx, rel.ID)
	if err != nil {
		return err
	}
	if ok {
		defer guard.Release()
	}

	w, err := index.Open(ctx, h, rel, txn, index.DirectoryBulkDelete, index.ResourcesVacuum)
	if err != nil {
		return err
	}
	r, err := index.OpenReader(ctx, h, rel, txn.Snapshot())
	if err != nil {
		return errors.Join(err, w.Close())
	}

	before := res.TuplesRemoved
	err = scan(ctx, r, w, callback, &res.Stats)
	// The reader pins the cleanup block; it must be gone before the lock.
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Join(err, w.Close())
	}

	res.Opstamp, err = w.Commit(ctx, false)
	if err != nil {
		return err
	}
	if res.TuplesRemoved == before {
		return nil
	}

	b, err := h.Buffers.ReadBuffer(ctx, rel.ID, storage.CleanupLockBlock, buffer.StrategyNormal)
	if err != nil {
		return err
	}
	if err := b.LockForCleanup(ctx); err != nil {
		b.Release()
		return err
	}
	res.cleanup = b
	return nil
}

// scan walks the row id term dictionary of every segment in sorted order
// and queues a delete for each term whose document callback reports dead.
func scan(ctx context.Context, r *index.Reader, w *index.Writer, callback Callback, stats *Stats) error {
	field := r.RowIDField()
	for _, seg := range r.Searcher().SegmentReaders() {
		if err := ctx.Err(); err != nil {
			return err
		}
		inv, err := seg.InvertedIndex(field)
		if err != nil {
			return err
		}
		col, err := seg.FastU64(field)
		if err != nil {
			return err
		}
		terms := inv.Terms()
		for terms.Next() {
			postings := inv.ReadPostings(terms.TermInfo())
			for doc := postings.Doc(); doc != fts.Terminated; doc = postings.Advance() {
				stats.TuplesExamined++
				if !callback(index.RowID(col.Get(doc))) {
					continue
				}
				term := fts.Term{Field: field, Bytes: bytes.Clone(terms.Key())}
				if err := w.DeleteTerm(ctx, term); err != nil {
					return err
				}
				stats.TuplesRemoved++
			}
		}
	}
	return nil
}

// Cleanup releases the cleanup lock held by res and runs a vacuum session
// that merges segments and garbage collects the relation's metadata. It
// waits for the relation's merge lock.
func Cleanup(ctx context.Context, h *host.Host, rel host.Relation, txn *xact.Txn, res *Result) (*Stats, error) {
	var stats Stats
	if res != nil {
		res.Release()
		stats = res.Stats
	}

	w, err := index.Open(ctx, h, rel, txn, index.DirectoryMVCC, index.ResourcesVacuum)
	if err != nil {
		return nil, err
	}
	if err := w.Vacuum(ctx); err != nil {
		return nil, errors.Join(err, w.Close())
	}

	r, err := index.OpenReader(ctx, h, rel, txn.Snapshot())
	if err != nil {
		return nil, err
	}
	stats.IndexTuples = r.NumDocs()
	if err := r.Close(); err != nil {
		return nil, err
	}
	rs, err := h.Stats(ctx, rel)
	if err != nil {
		return nil, err
	}
	stats.Blocks = uint32(rs.Blocks)
	return &stats, nil
}
