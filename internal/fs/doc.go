// Package fs provides the filesystem abstraction used by the local block
// storage manager, so tests can inject I/O faults.
//
// [LocalFS] is the production implementation; [FaultyFS] wraps any
// FileSystem and fails block writes, reads or syncs on demand.
//
// The package intentionally does not take context.Context parameters: block
// reads and writes are not interruptible at the syscall level.
package fs
