// Package xact is the host transaction manager: transaction ids, commit
// status, snapshots and the garbage-collection horizon.
//
// Persisted entries carry the XID that created them (xmin) and, once
// deleted, the XID that deleted them (xmax). A Snapshot decides visibility
// from those two stamps; Manager.IsDead decides when no current or future
// snapshot can see an entry any more.
package xact
