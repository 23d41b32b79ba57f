// Package blockstore provides storage manager backends for relations made of
// fixed-size blocks.
//
// A Manager is the lowest layer of the index storage stack: it reads, writes
// and extends BlockSize pages of a relation and knows nothing about their
// content. The buffer pool (internal/buffer) sits on top of it.
//
// # Built-in Implementations
//
//   - MemoryManager: in-memory relations for tests and ephemeral indexes
//   - FileManager: one file per relation in a local data directory
//   - BlobManager: one object per block in a BlobStore (memory, s3.Store,
//     minio.Store), with relation sizes kept in a SizeRegister
//     (MemorySizeRegister or s3.DDBSizeRegister)
//
// Implementations must be safe for concurrent use.
package blockstore
