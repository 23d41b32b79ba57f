// Package directory implements fts.Directory on top of a relation's block
// storage.
//
// Files are page chains registered in the relation's file entry list; the
// engine's segment metadata lives in the segment meta list. Every entry is
// stamped with the transaction that created it (XMin) and the one that
// deleted it (XMax), and each directory resolves names through a
// transaction snapshot:
//
//   - Mutable sees committed state plus its own transaction's changes and
//     stamps everything it writes or deletes with that transaction.
//   - Snapshot sees one fixed registered snapshot and is read-only.
//
// Deleted entries and their pages are reclaimed later by garbage collection
// once no snapshot can see them.
package directory
