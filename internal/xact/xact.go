package xact

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jnicholls/paradedb/internal/fs"
	"github.com/jnicholls/paradedb/internal/wal"
)

// XID is a transaction id. XIDs are assigned in increasing order.
type XID uint64

// InvalidXID marks an unset xmax.
const InvalidXID XID = 0

var (
	// ErrTxnFinished is returned when a finished transaction is committed or aborted again.
	ErrTxnFinished = errors.New("transaction already finished")
	// ErrCommitFailed is returned when a commit could not be logged. The
	// transaction is aborted.
	ErrCommitFailed = errors.New("commit failed")
)

// Status is the commit status of a transaction.
type Status int

const (
	InProgress Status = iota
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// reserveChunk is the number of XIDs one reserve record covers.
const reserveChunk = 1024

// Manager assigns XIDs and tracks their outcome.
type Manager struct {
	mu        sync.Mutex
	next      XID
	status    map[XID]Status
	active    map[XID]struct{}
	snapshots map[*Snapshot]struct{}

	// Set when outcomes are logged.
	log      *wal.WAL
	reserved XID // XIDs below it may have been handed out
	floor    XID // XIDs below it without a logged outcome are aborted
}

// NewManager creates a transaction manager that keeps outcomes in memory.
func NewManager() *Manager {
	return &Manager{
		next:      1,
		status:    make(map[XID]Status),
		active:    make(map[XID]struct{}),
		snapshots: make(map[*Snapshot]struct{}),
	}
}

// Open creates a transaction manager whose outcomes are logged to path and
// recovers the outcomes already there. A transaction that was running when
// the previous process stopped counts as aborted.
func Open(fsys fs.FileSystem, path string) (*Manager, error) {
	log, recs, err := wal.Open(fsys, path, wal.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("open transaction log: %w", err)
	}
	m := NewManager()
	m.log = log
	for _, rec := range recs {
		xid := XID(rec.XID)
		switch rec.Type {
		case wal.RecordReserve:
			m.reserved = max(m.reserved, xid)
		case wal.RecordCommit:
			m.status[xid] = Committed
			m.reserved = max(m.reserved, xid+1)
		case wal.RecordAbort:
			m.status[xid] = Aborted
			m.reserved = max(m.reserved, xid+1)
		}
	}
	m.next = max(m.next, m.reserved)
	m.floor = m.next
	return m, nil
}

// Close closes the transaction log, if any.
func (m *Manager) Close() error {
	if m.log == nil {
		return nil
	}
	return m.log.Close()
}

// Txn is a running transaction.
type Txn struct {
	m   *Manager
	xid XID

	mu     sync.Mutex
	done   bool
	doomed error
}

// Begin starts a transaction. If its XID could not be reserved in the
// transaction log, the transaction can only abort.
func (m *Manager) Begin() *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()

	xid := m.next
	m.next++
	m.status[xid] = InProgress
	m.active[xid] = struct{}{}
	t := &Txn{m: m, xid: xid}
	if m.log != nil && xid >= m.reserved {
		if err := m.log.Append(wal.Record{Type: wal.RecordReserve, XID: uint64(xid + reserveChunk)}); err != nil {
			t.doomed = fmt.Errorf("reserve xid %d: %w", xid, err)
		} else {
			m.reserved = xid + reserveChunk
		}
	}
	return t
}

// XID returns the transaction id.
func (t *Txn) XID() XID { return t.xid }

// Manager returns the manager that started the transaction.
func (t *Txn) Manager() *Manager { return t.m }

// Commit makes the transaction's effects visible to later snapshots. The
// commit record is durable before the effects become visible. If it cannot
// be logged the transaction aborts and Commit returns ErrCommitFailed.
func (t *Txn) Commit() error { return t.finish(Committed) }

// Abort discards the transaction's effects.
func (t *Txn) Abort() error { return t.finish(Aborted) }

func (t *Txn) finish(s Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxnFinished
	}
	t.done = true

	err := t.doomed
	if err == nil && t.m.log != nil {
		typ := wal.RecordCommit
		if s == Aborted {
			typ = wal.RecordAbort
		}
		err = t.m.log.Append(wal.Record{Type: typ, XID: uint64(t.xid)})
	}
	switch {
	case s == Aborted:
		// A missing abort record reads as aborted after recovery.
		err = nil
	case err != nil:
		s = Aborted
		err = fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.status[t.xid] = s
	delete(t.m.active, t.xid)
	return err
}

// Snapshot takes a registered snapshot that also sees the transaction's own
// changes. Release it when done.
func (t *Txn) Snapshot() *Snapshot {
	return t.m.snapshot(t.xid)
}

// Snapshot takes a registered snapshot of committed state.
func (m *Manager) Snapshot() *Snapshot {
	return m.snapshot(InvalidXID)
}

func (m *Manager) snapshot(own XID) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Snapshot{
		m:          m,
		XMin:       m.next,
		XMax:       m.next,
		Own:        own,
		inProgress: make(map[XID]struct{}, len(m.active)),
	}
	for xid := range m.active {
		s.inProgress[xid] = struct{}{}
		s.XMin = min(s.XMin, xid)
	}
	m.snapshots[s] = struct{}{}
	return s
}

// Status returns the status of xid.
func (m *Manager) Status(xid XID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(xid)
}

func (m *Manager) statusLocked(xid XID) Status {
	if s, ok := m.status[xid]; ok {
		return s
	}
	if xid != InvalidXID && xid < m.floor {
		return Aborted
	}
	return InProgress
}

// Horizon returns the oldest XID that may still be running or whose effects a
// registered snapshot may not see yet. Deletions by committed XIDs below the
// horizon are seen by everyone.
func (m *Manager) Horizon() XID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.horizonLocked()
}

func (m *Manager) horizonLocked() XID {
	h := m.next
	for xid := range m.active {
		h = min(h, xid)
	}
	for s := range m.snapshots {
		h = min(h, s.XMin)
	}
	return h
}

// IsDead reports whether an entry stamped (xmin, xmax) is invisible to every
// current and future snapshot.
func (m *Manager) IsDead(xmin, xmax XID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusLocked(xmin) == Aborted {
		return true
	}
	if xmax == InvalidXID || m.statusLocked(xmax) != Committed {
		return false
	}
	return xmax < m.horizonLocked()
}

// Snapshot is a consistent view of committed transactions.
type Snapshot struct {
	m *Manager

	// XMin is the oldest XID running when the snapshot was taken.
	XMin XID
	// XMax is the first XID not yet assigned when the snapshot was taken.
	XMax XID
	// Own is the XID whose uncommitted changes the snapshot sees, if any.
	Own XID

	inProgress map[XID]struct{}
	once       sync.Once
}

// sees reports whether xid's effects are part of the snapshot.
func (s *Snapshot) sees(xid XID) bool {
	if xid == InvalidXID {
		return false
	}
	if xid == s.Own {
		return true
	}
	if xid >= s.XMax {
		return false
	}
	if _, running := s.inProgress[xid]; running {
		return false
	}
	return s.m.Status(xid) == Committed
}

// Visible reports whether an entry stamped (xmin, xmax) is visible.
func (s *Snapshot) Visible(xmin, xmax XID) bool {
	return s.sees(xmin) && !s.sees(xmax)
}

// Release unregisters the snapshot so it no longer holds back the horizon.
func (s *Snapshot) Release() {
	s.once.Do(func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		delete(s.m.snapshots, s)
	})
}
