package index

import (
	"context"
	"errors"
	"time"

	"github.com/jnicholls/paradedb/host"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/mergelock"
	"github.com/jnicholls/paradedb/internal/storage"
)

// ErrGuardRequired is returned by GarbageCollect without a merge guard on
// the relation.
var ErrGuardRequired = errors.New("index: garbage collection requires the relation's merge guard")

// GCStats summarizes a garbage collection pass.
type GCStats struct {
	Segments storage.GCStats
	Files    storage.GCStats
	// BlocksFreed counts every block returned to the free list, including
	// the data pages of removed files.
	BlocksFreed int
}

// GarbageCollect removes segment meta and file entries that no current or
// future snapshot can see and returns the pages of removed files to the
// free list. The caller must hold guard, a merge guard on rel.
//
// Entries stay as long as any registered snapshot might still resolve
// them, so readers opened before the pass keep working.
func GarbageCollect(ctx context.Context, h *host.Host, rel host.Relation, guard *mergelock.Guard) (GCStats, error) {
	if guard == nil || guard.Purpose() != mergelock.PurposeMerge || guard.Rel() != rel.ID {
		return GCStats{}, ErrGuardRequired
	}
	start := time.Now()
	logger := h.Logger.WithRelation(uint32(rel.ID))
	alloc := h.Allocator(rel)
	lists := storage.OpenLists(alloc)

	var stats GCStats
	err := func() error {
		before, err := alloc.RelationStats(ctx)
		if err != nil {
			return err
		}
		opts := storage.GCOptions{
			Strategy: buffer.StrategyVacuum,
			Throttle: h.Resources.AcquireIO,
		}
		stats.Segments, err = lists.Segments.GarbageCollect(ctx, opts, func(e storage.SegmentMetaEntry) bool {
			return h.Xacts.IsDead(e.XMin, e.XMax)
		}, nil)
		if err != nil {
			return err
		}
		stats.Files, err = lists.Files.GarbageCollect(ctx, opts, func(e storage.FileEntry) bool {
			return h.Xacts.IsDead(e.XMin, e.XMax)
		}, func(e storage.FileEntry) error {
			return storage.FreeChain(ctx, alloc, e.Start, buffer.StrategyVacuum)
		})
		if err != nil {
			return err
		}
		after, err := alloc.RelationStats(ctx)
		if err != nil {
			return err
		}
		stats.BlocksFreed = after.FreeBlocks - before.FreeBlocks
		return h.Flush(ctx, rel)
	}()

	entries := stats.Segments.Removed + stats.Files.Removed
	h.Metrics.RecordGarbageCollect(entries, stats.BlocksFreed, time.Since(start), err)
	logger.LogGarbageCollect(ctx, entries, stats.BlocksFreed, err)
	return stats, err
}
