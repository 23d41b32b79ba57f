// Package fts is a small embedded full-text engine whose segment files live
// in a pluggable Directory.
//
// An Index is a set of immutable segments described by an IndexMeta. An
// IndexWriter batches UserOperations (add document, delete by term), stamps
// each with an Opstamp, and publishes new segments and delete bitsets on
// Commit. Segments are merged in the background according to the writer's
// MergePolicy.
//
// Per segment the engine writes:
//
//	<id>.idx            term dictionary with roaring posting bitmaps
//	<id>.fast           u64 fast field columns
//	<id>.store          stored fields, compressed in blocks (zstd or lz4)
//	<id>.<opstamp>.del  roaring bitmap of deleted documents
//
// The engine performs directory I/O from any goroutine, including merge
// goroutines; Directory implementations must be safe for concurrent use.
package fts
