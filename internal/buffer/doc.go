// Package buffer implements the shared buffer pool in front of a block
// storage manager.
//
// A Buffer is a pinned frame holding one relation block. Pins keep a frame
// resident; content locks (shared or exclusive) guard its bytes. The cleanup
// lock is an exclusive content lock granted only once the caller holds the
// sole pin on the block, which lets a vacuum wait out concurrent readers that
// keep a pin for the duration of their scan.
//
// Bulk operations pass an access Strategy so that their frames are recycled
// from a small private ring instead of pushing the normal working set out of
// the pool.
//
// Every page carries a CRC-32C checksum in its first ChecksumSize bytes,
// written when a dirty frame goes back to storage and verified when a block
// is read in.
package buffer
