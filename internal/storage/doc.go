// Package storage lays out an index relation on top of the buffer pool.
//
// Block layout:
//
//	0  metapage (magic, version, free list head)
//	1  cleanup lock block (pinned by readers, cleanup-locked by bulk delete)
//	2  merge lock block
//	3  delete lock block
//	4  first page of the file entry list
//	5  first page of the segment meta list
//	6… list pages, file data chains and free pages
//
// Every page starts with the buffer pool checksum followed by a 12 byte
// header: kind (u16), flags (u16), next block (u32), item count (u16) and
// bytes used (u16).
//
// Lists are singly linked chains of item pages traversed hand over hand:
// a reader keeps its lock on a page until it holds the lock on the next one,
// so a concurrent garbage collection pass can never unlink a page under it.
package storage
