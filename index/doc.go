// Package index implements writer sessions and snapshot readers of a
// full-text index stored in a host relation.
//
// A Writer owns one engine writer and one storage worker. Inserts and
// deletes queue up until DefaultInsertQueueSize operations are pending and
// are then handed to the engine in one call. Every file the engine reads or
// writes, from the calling goroutine or from a background merge, is served
// by the session's worker through the relation's buffer pool.
//
// Sessions end in exactly one of:
//
//   - Commit(ctx, shouldMerge): commit, optionally waiting for merges
//   - CommitInserts(ctx): merge and garbage collect if the relation's merge
//     lock is free, otherwise commit without merging
//   - Vacuum(ctx): wait for the merge lock, merge and garbage collect
//
// After that the Writer is consumed and every method returns
// paradedb.ErrWriterConsumed.
package index
