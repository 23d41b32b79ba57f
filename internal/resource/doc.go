// Package resource governs the shared budgets of index maintenance work.
//
// A Controller is owned by a host and shared by every writer session on it:
//
//   - Memory: buffer pool frames and writer indexing budgets (fail-fast)
//   - Merge slots: bound the number of concurrent background segment merges
//   - Vacuum I/O: token bucket throttling garbage collection and bulk delete
//     scans so they do not starve foreground sessions
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:    256 << 20,
//	    MaxMergeWorkers:     2,
//	    VacuumIOBytesPerSec: 32 << 20,
//	})
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
