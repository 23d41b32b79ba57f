// Package paradedb stores a full-text index inside a host database's
// page-oriented block storage and drives the index's write, merge and delete
// lifecycle through the host's transaction and vacuum machinery.
//
// The root package holds the ambient pieces shared by every layer: the
// structured Logger, the MetricsCollector interface and the error kinds
// surfaced to callers. The moving parts live in subpackages:
//
//   - host: block storage, buffer pool, transactions and resources of one host
//   - index: the Writer session (insert, delete, commit, commit_inserts, vacuum)
//     and the snapshot Reader
//   - vacuum: the bulk delete scanner and its cleanup phase
//   - fts: the embedded full-text engine whose files are stored in the relation
//   - blockstore: storage manager backends (memory, local files, S3, MinIO)
//   - config: YAML configuration and host assembly
//   - metrics: Prometheus collector
//
// cmd/pgsearch-maint is a maintenance CLI over the same packages.
//
// # Quick Start
//
//	ctx := context.Background()
//	h, _ := host.New(ctx, blockstore.NewMemoryManager())
//	rel := h.Relation(16384, "docs_idx")
//
//	txn := h.Xacts.Begin()
//	w, _ := index.Create(ctx, h, rel, txn, schema)
//	_ = w.Insert(ctx, doc, index.NewRowID(0, 1))
//	_ = w.CommitInserts(ctx)
//	_ = txn.Commit()
//
// # Writer protocol
//
// A Writer batches operations and hands them to the engine in one call when
// its queue fills or on commit. The engine may perform directory I/O from any
// goroutine, including background merges; every such job is forwarded to the
// session's storage worker, the only goroutine that touches the relation's
// buffers. Merging and metadata garbage collection happen only under the
// relation's merge lock; contention skips the work instead of waiting.
package paradedb
