package fts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/jnicholls/paradedb/internal/resource"
	"golang.org/x/sync/semaphore"
)

// DefaultMemoryBudget is the in-memory document budget of a writer before
// it flushes a segment.
const DefaultMemoryBudget = 64 << 20

var errMergeAborted = errors.New("fts: merge sources changed")

// WriterOptions configure an IndexWriter.
type WriterOptions struct {
	// Parallelism bounds the writer's concurrent background merges.
	Parallelism int
	// MemoryBudget is the buffered document size that triggers a segment flush.
	MemoryBudget int
	// MergePolicy defaults to LogMergePolicy.
	MergePolicy *MergePolicy
	// Resources is charged for buffered documents and merge slots. May be nil.
	Resources *resource.Controller
}

type pendingSegment struct {
	meta     SegmentMeta
	opstamps []Opstamp
}

type queuedDelete struct {
	term    Term
	opstamp Opstamp
}

// IndexWriter applies UserOperations to an Index.
//
// Run and Commit must not be called concurrently. Background merges run on
// their own goroutines and publish through the same directory.
type IndexWriter struct {
	index      *Index
	dir        Directory
	logger     *slog.Logger
	budget     int
	rc         *resource.Controller
	mergeSlots *semaphore.Weighted

	mergeCtx    context.Context
	cancelMerge context.CancelFunc
	mergeWG     sync.WaitGroup

	mu          sync.Mutex
	policy      MergePolicy
	committed   *IndexMeta
	readers     map[SegmentID]*SegmentReader
	uncommitted []pendingSegment
	building    *segmentData
	buildingOps []Opstamp
	reserved    int64
	deletes     []queuedDelete
	opstamp     Opstamp
	merging     map[SegmentID]bool
	mergeErr    error
	failed      error
	closed      bool
}

// Writer opens a writer over the currently published segments.
func (ix *Index) Writer(ctx context.Context, opts WriterOptions) (*IndexWriter, error) {
	meta, err := ix.dir.LoadMetas(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.MemoryBudget <= 0 {
		opts.MemoryBudget = DefaultMemoryBudget
	}
	policy := LogMergePolicy()
	if opts.MergePolicy != nil {
		policy = *opts.MergePolicy
	}

	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &IndexWriter{
		index:       ix,
		dir:         ix.dir,
		logger:      ix.settings.logger(),
		budget:      opts.MemoryBudget,
		rc:          opts.Resources,
		mergeSlots:  semaphore.NewWeighted(int64(opts.Parallelism)),
		mergeCtx:    mctx,
		cancelMerge: cancel,
		policy:      policy,
		committed:   meta,
		readers:     make(map[SegmentID]*SegmentReader),
		building:    newSegmentData(),
		opstamp:     meta.Opstamp,
		merging:     make(map[SegmentID]bool),
	}, nil
}

// SetMergePolicy replaces the merge policy used after subsequent commits.
func (w *IndexWriter) SetMergePolicy(p MergePolicy) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.policy = p
}

// MergePolicy returns the current merge policy.
func (w *IndexWriter) MergePolicy() MergePolicy {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.policy
}

// CommittedMeta returns a copy of the last meta this writer published or loaded.
func (w *IndexWriter) CommittedMeta() *IndexMeta {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed.Clone()
}

func (w *IndexWriter) usable() error {
	if w.closed {
		return ErrWriterClosed
	}
	return w.failed
}

// Run applies ops in order and returns the opstamp of the last one.
func (w *IndexWriter) Run(ctx context.Context, ops []UserOperation) (Opstamp, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return 0, err
	}
	for _, op := range ops {
		w.opstamp++
		switch op.Kind {
		case OpAdd:
			before := w.building.bytes
			if err := w.building.addDocument(w.index.schema, op.Doc); err != nil {
				return 0, err
			}
			w.buildingOps = append(w.buildingOps, w.opstamp)
			if !w.reserve(w.building.bytes - before) {
				if err := w.flushBuilding(ctx); err != nil {
					return 0, err
				}
			}
		case OpDelete:
			w.deletes = append(w.deletes, queuedDelete{term: op.Term, opstamp: w.opstamp})
		default:
			return 0, fmt.Errorf("fts: unknown operation kind %d", op.Kind)
		}
	}
	if w.building.bytes >= w.budget {
		if err := w.flushBuilding(ctx); err != nil {
			return 0, err
		}
	}
	return w.opstamp, nil
}

// reserve charges delta bytes to the resource controller and reports
// whether the charge fit.
func (w *IndexWriter) reserve(delta int) bool {
	if w.rc == nil || delta <= 0 {
		return true
	}
	if !w.rc.TryAcquireMemory(int64(delta)) {
		return false
	}
	w.reserved += int64(delta)
	return true
}

func (w *IndexWriter) releaseReserved() {
	if w.reserved > 0 {
		w.rc.ReleaseMemory(w.reserved)
		w.reserved = 0
	}
}

// flushBuilding writes buffered documents as an unpublished segment.
func (w *IndexWriter) flushBuilding(ctx context.Context) error {
	if w.building.maxDoc == 0 {
		return nil
	}
	meta := SegmentMeta{ID: NewSegmentID(), MaxDoc: w.building.maxDoc}
	if err := w.building.write(ctx, w.dir, meta, w.index.settings); err != nil {
		w.failed = err
		return err
	}
	w.logger.DebugContext(ctx, "segment flushed", "segment", meta.ID, "docs", meta.MaxDoc)
	w.uncommitted = append(w.uncommitted, pendingSegment{meta: meta, opstamps: w.buildingOps})
	w.building = newSegmentData()
	w.buildingOps = nil
	w.releaseReserved()
	return nil
}

func (w *IndexWriter) segmentReader(ctx context.Context, meta SegmentMeta) (*SegmentReader, error) {
	if r, ok := w.readers[meta.ID]; ok && r.meta.SameDeletes(meta) {
		return r, nil
	}
	r, err := OpenSegmentReader(ctx, w.dir, w.index.schema, meta)
	if err != nil {
		return nil, err
	}
	w.readers[meta.ID] = r
	return r, nil
}

// Commit flushes buffered documents, applies queued deletes and publishes
// the result. It returns the commit opstamp.
func (w *IndexWriter) Commit(ctx context.Context) (Opstamp, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return 0, err
	}
	if err := w.flushBuilding(ctx); err != nil {
		return 0, err
	}

	w.opstamp++
	stamp := w.opstamp
	next := &IndexMeta{Opstamp: stamp}
	updated := make(map[SegmentID]*SegmentReader)
	var obsolete []string

	type candidate struct {
		meta     SegmentMeta
		opstamps []Opstamp
	}
	view := make([]candidate, 0, len(w.committed.Segments)+len(w.uncommitted))
	for _, s := range w.committed.Segments {
		view = append(view, candidate{meta: s})
	}
	for _, p := range w.uncommitted {
		view = append(view, candidate{meta: p.meta, opstamps: p.opstamps})
	}

	for _, c := range view {
		seg := c.meta
		if len(w.deletes) == 0 {
			next.Segments = append(next.Segments, seg)
			continue
		}
		r, err := w.segmentReader(ctx, seg)
		if err != nil {
			w.failed = err
			return 0, err
		}
		del := r.Deletes()
		before := del.GetCardinality()
		for _, qd := range w.deletes {
			bm := r.rawPostings(qd.term)
			if bm == nil {
				continue
			}
			it := bm.Iterator()
			for it.HasNext() {
				doc := it.Next()
				if c.opstamps != nil && c.opstamps[doc] >= qd.opstamp {
					continue
				}
				del.Add(doc)
			}
		}
		if del.GetCardinality() == before {
			next.Segments = append(next.Segments, seg)
			continue
		}
		if uint32(del.GetCardinality()) == seg.MaxDoc {
			obsolete = append(obsolete, seg.Files()...)
			continue
		}
		if old := seg.DeleteFile(); old != "" {
			obsolete = append(obsolete, old)
		}
		seg.Deletes = &DeleteMeta{NumDeleted: uint32(del.GetCardinality()), Opstamp: stamp}
		data, err := encodeDeletes(del)
		if err != nil {
			w.failed = err
			return 0, err
		}
		if err := writeAll(ctx, w.dir, seg.DeleteFile(), data); err != nil {
			w.failed = err
			return 0, err
		}
		updated[seg.ID] = r.withDeletes(seg, del)
		next.Segments = append(next.Segments, seg)
	}

	if err := w.dir.SaveMetas(ctx, next, w.committed); err != nil {
		w.failed = err
		return 0, err
	}
	w.committed = next
	w.removeFiles(ctx, obsolete)
	maps.Copy(w.readers, updated)
	w.uncommitted = nil
	w.deletes = nil
	w.logger.DebugContext(ctx, "index committed", "opstamp", stamp, "segments", len(next.Segments))

	w.considerMerges()
	return stamp, nil
}

// removeFiles deletes files no published meta references anymore.
func (w *IndexWriter) removeFiles(ctx context.Context, files []string) {
	for _, f := range files {
		delete(w.readers, segmentOfFile(f))
		if err := w.dir.Delete(ctx, f); err != nil && !errors.Is(err, ErrFileNotFound) {
			w.logger.WarnContext(ctx, "failed to delete obsolete file", "file", f, "error", err)
		}
	}
}

func segmentOfFile(name string) SegmentID {
	if len(name) < 36 {
		return SegmentID{}
	}
	id, _ := ParseSegmentID(name[:36])
	return id
}

// considerMerges starts background merges for the policy's candidates.
// The caller holds w.mu.
func (w *IndexWriter) considerMerges() {
	if w.policy.Kind == NoMerge || w.mergeCtx.Err() != nil {
		return
	}
	var free []SegmentMeta
	for _, s := range w.committed.Segments {
		if !w.merging[s.ID] {
			free = append(free, s)
		}
	}
	for _, group := range w.policy.Candidates(free) {
		metas := make([]SegmentMeta, 0, len(group))
		for _, id := range group {
			m, _ := w.committed.Segment(id)
			metas = append(metas, m)
			w.merging[id] = true
		}
		w.mergeWG.Add(1)
		go w.runMerge(metas)
	}
}

func (w *IndexWriter) runMerge(metas []SegmentMeta) {
	defer w.mergeWG.Done()
	defer func() {
		w.mu.Lock()
		for _, m := range metas {
			delete(w.merging, m.ID)
		}
		w.mu.Unlock()
	}()

	ctx := w.mergeCtx
	if err := w.mergeSlots.Acquire(ctx, 1); err != nil {
		return
	}
	defer w.mergeSlots.Release(1)
	if err := w.rc.AcquireBackground(ctx); err != nil {
		return
	}
	defer w.rc.ReleaseBackground()

	err := w.merge(ctx, metas)
	switch {
	case err == nil:
	case errors.Is(err, errMergeAborted), errors.Is(err, ErrConcurrentUpdate):
		w.logger.WarnContext(ctx, "merge dropped", "segments", len(metas), "reason", err)
	case ctx.Err() != nil:
		w.logger.DebugContext(ctx, "merge cancelled", "segments", len(metas))
	default:
		w.logger.ErrorContext(ctx, "merge failed", "segments", len(metas), "error", err)
		w.mu.Lock()
		if w.mergeErr == nil {
			w.mergeErr = err
		}
		w.mu.Unlock()
	}
}

func (w *IndexWriter) merge(ctx context.Context, metas []SegmentMeta) error {
	readers := make([]*SegmentReader, len(metas))
	for i, m := range metas {
		r, err := OpenSegmentReader(ctx, w.dir, w.index.schema, m)
		if err != nil {
			return err
		}
		readers[i] = r
	}
	data, docMaps, err := mergeSegments(readers)
	if err != nil {
		return err
	}
	merged := SegmentMeta{ID: NewSegmentID(), MaxDoc: data.maxDoc}
	if merged.MaxDoc > 0 {
		if err := data.write(ctx, w.dir, merged, w.index.settings); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	cur := w.committed
	dropMerged := func() {
		if merged.MaxDoc > 0 {
			w.removeFiles(ctx, merged.Files())
		}
	}

	// Deletes published while the merge ran are carried onto the new ids.
	late := roaring.New()
	var obsolete []string
	for i, m := range metas {
		cm, ok := cur.Segment(m.ID)
		if !ok {
			dropMerged()
			return errMergeAborted
		}
		obsolete = append(obsolete, cm.Files()...)
		if cm.SameDeletes(m) {
			continue
		}
		r, err := w.segmentReader(ctx, cm)
		if err != nil {
			dropMerged()
			return err
		}
		it := roaring.AndNot(r.deletes, readers[i].deletes).Iterator()
		for it.HasNext() {
			if nd := docMaps[i][it.Next()]; nd != unmapped {
				late.Add(nd)
			}
		}
	}

	if !late.IsEmpty() && uint32(late.GetCardinality()) < merged.MaxDoc {
		merged.Deletes = &DeleteMeta{NumDeleted: uint32(late.GetCardinality()), Opstamp: cur.Opstamp}
		delData, err := encodeDeletes(late)
		if err != nil {
			dropMerged()
			return err
		}
		if err := writeAll(ctx, w.dir, merged.DeleteFile(), delData); err != nil {
			dropMerged()
			return err
		}
	}

	next := &IndexMeta{Opstamp: cur.Opstamp}
	for _, s := range cur.Segments {
		if !slices.ContainsFunc(metas, func(m SegmentMeta) bool { return m.ID == s.ID }) {
			next.Segments = append(next.Segments, s)
		}
	}
	keep := merged.MaxDoc > 0 && uint32(late.GetCardinality()) < merged.MaxDoc
	if keep {
		next.Segments = append(next.Segments, merged)
	}
	if err := w.dir.SaveMetas(ctx, next, cur); err != nil {
		dropMerged()
		return err
	}
	w.committed = next
	if !keep {
		dropMerged()
	}
	w.removeFiles(ctx, obsolete)
	w.logger.DebugContext(ctx, "segments merged", "sources", len(metas), "segment", merged.ID, "docs", merged.NumDocs())
	w.considerMerges()
	return nil
}

// WaitMergingThreads closes the writer to new operations and waits for all
// background merges, including merges they cascade into. It returns the
// first merge failure.
func (w *IndexWriter) WaitMergingThreads(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.releaseReserved()
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.mergeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.cancelMerge()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mergeErr
}

// Close cancels background merges, waits for them to stop and discards
// anything not committed.
func (w *IndexWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.releaseReserved()
	w.mu.Unlock()
	w.cancelMerge()
	w.mergeWG.Wait()
	return nil
}
