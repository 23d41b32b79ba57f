package index

import (
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/resource"
)

// Resources selects how much a writer session may consume and whether it
// may trigger merges.
type Resources int

const (
	// ResourcesCreateIndex is used when building an index from scratch.
	ResourcesCreateIndex Resources = iota
	// ResourcesInsertBatch is used by statement-level inserts.
	ResourcesInsertBatch
	// ResourcesVacuum is used by bulk delete and vacuum sessions.
	ResourcesVacuum
)

const batchMemoryBudget = 16 << 20

func (r Resources) String() string {
	switch r {
	case ResourcesCreateIndex:
		return "create_index"
	case ResourcesInsertBatch:
		return "insert_batch"
	case ResourcesVacuum:
		return "vacuum"
	default:
		return "unknown"
	}
}

type writerParams struct {
	parallelism  int
	memoryBudget int
	wantsMerge   bool
}

func (r Resources) params(rc *resource.Controller) writerParams {
	var p writerParams
	switch r {
	case ResourcesCreateIndex:
		p = writerParams{
			parallelism:  int(max(rc.Stats().MergeSlots, 1)),
			memoryBudget: fts.DefaultMemoryBudget,
			wantsMerge:   true,
		}
	case ResourcesVacuum:
		p = writerParams{parallelism: 1, memoryBudget: batchMemoryBudget}
	default:
		p = writerParams{parallelism: 1, memoryBudget: batchMemoryBudget, wantsMerge: true}
	}
	if limit := rc.MemoryLimit(); limit > 0 && int64(p.memoryBudget) > limit/2 {
		p.memoryBudget = int(limit / 2)
	}
	return p
}

// DirectoryType selects the storage view a writer session works on.
type DirectoryType int

const (
	// DirectoryMVCC is the transactional view used by inserts and vacuum.
	DirectoryMVCC DirectoryType = iota
	// DirectoryBulkDelete is the same view read through the vacuum ring so
	// a full scan does not evict the pool's working set.
	DirectoryBulkDelete
)

func (t DirectoryType) strategy() buffer.Strategy {
	if t == DirectoryBulkDelete {
		return buffer.StrategyVacuum
	}
	return buffer.StrategyNormal
}
