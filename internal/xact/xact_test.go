package xact

import (
	"path/filepath"
	"testing"

	"github.com/jnicholls/paradedb/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Visibility(t *testing.T) {
	m := NewManager()

	committed := m.Begin()
	require.NoError(t, committed.Commit())

	running := m.Begin()
	aborted := m.Begin()
	require.NoError(t, aborted.Abort())

	s := running.Snapshot()
	defer s.Release()

	later := m.Begin()
	require.NoError(t, later.Commit())

	tests := []struct {
		name       string
		xmin, xmax XID
		want       bool
	}{
		{"committed insert", committed.XID(), InvalidXID, true},
		{"own insert", running.XID(), InvalidXID, true},
		{"aborted insert", aborted.XID(), InvalidXID, false},
		{"insert after snapshot", later.XID(), InvalidXID, false},
		{"own delete", committed.XID(), running.XID(), false},
		{"aborted delete", committed.XID(), aborted.XID(), true},
		{"delete after snapshot", committed.XID(), later.XID(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Visible(tt.xmin, tt.xmax))
		})
	}
}

func TestSnapshot_ConcurrentTxnInvisible(t *testing.T) {
	m := NewManager()
	a := m.Begin()
	b := m.Begin()

	s := b.Snapshot()
	defer s.Release()
	require.NoError(t, a.Commit())

	// a was running when the snapshot was taken.
	assert.False(t, s.Visible(a.XID(), InvalidXID))

	fresh := m.Snapshot()
	defer fresh.Release()
	assert.True(t, fresh.Visible(a.XID(), InvalidXID))
	assert.False(t, fresh.Visible(b.XID(), InvalidXID))
}

func TestManager_HorizonAndDeadness(t *testing.T) {
	m := NewManager()

	creator := m.Begin()
	require.NoError(t, creator.Commit())

	reader := m.Snapshot()

	deleter := m.Begin()
	require.NoError(t, deleter.Commit())

	// The reader still sees the entry, so it is not dead.
	assert.True(t, reader.Visible(creator.XID(), deleter.XID()))
	assert.False(t, m.IsDead(creator.XID(), deleter.XID()))

	reader.Release()
	assert.True(t, m.IsDead(creator.XID(), deleter.XID()))
	assert.Equal(t, XID(3), m.Horizon())
}

func TestManager_AbortedInsertIsDead(t *testing.T) {
	m := NewManager()
	txn := m.Begin()
	assert.False(t, m.IsDead(txn.XID(), InvalidXID))
	require.NoError(t, txn.Abort())
	assert.True(t, m.IsDead(txn.XID(), InvalidXID))
	assert.Equal(t, Aborted, m.Status(txn.XID()))
}

func TestManager_RunningDeleterKeepsEntry(t *testing.T) {
	m := NewManager()
	creator := m.Begin()
	require.NoError(t, creator.Commit())

	deleter := m.Begin()
	assert.False(t, m.IsDead(creator.XID(), deleter.XID()))
	require.NoError(t, deleter.Abort())
	assert.False(t, m.IsDead(creator.XID(), deleter.XID()))
}

func TestTxn_FinishTwice(t *testing.T) {
	m := NewManager()
	txn := m.Begin()
	require.NoError(t, txn.Commit())
	assert.ErrorIs(t, txn.Commit(), ErrTxnFinished)
	assert.ErrorIs(t, txn.Abort(), ErrTxnFinished)
}

func TestOpen_RecoversOutcomes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg_xact")

	m, err := Open(nil, path)
	require.NoError(t, err)
	committed := m.Begin()
	aborted := m.Begin()
	crashed := m.Begin()
	require.NoError(t, committed.Commit())
	require.NoError(t, aborted.Abort())
	require.NoError(t, m.Close())

	m, err = Open(nil, path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, Committed, m.Status(committed.XID()))
	assert.Equal(t, Aborted, m.Status(aborted.XID()))
	assert.Equal(t, Aborted, m.Status(crashed.XID()), "a transaction running at shutdown is aborted")
	assert.True(t, m.IsDead(crashed.XID(), InvalidXID))

	next := m.Begin()
	assert.Greater(t, next.XID(), crashed.XID(), "reserved XIDs are never reused")
	assert.Equal(t, XID(reserveChunk+1), next.XID())
	assert.Equal(t, InProgress, m.Status(next.XID()))

	s := m.Snapshot()
	defer s.Release()
	assert.True(t, s.Visible(committed.XID(), InvalidXID))
	assert.False(t, s.Visible(crashed.XID(), InvalidXID))
}

func TestOpen_CommitFailsWhenLogFails(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	path := filepath.Join(t.TempDir(), "pg_xact")
	m, err := Open(ffs, path)
	require.NoError(t, err)
	txn := m.Begin()
	require.NoError(t, m.Close())

	ffs.AddRule("pg_xact", fs.Fault{FailAfterBytes: 0, Err: fs.ErrInjected})
	m, err = Open(ffs, path)
	require.NoError(t, err)
	defer m.Close()

	// Recovery starts past the old reservation, so this XID needs a new
	// one and the failed write dooms the transaction.
	txn = m.Begin()
	assert.Equal(t, XID(reserveChunk+1), txn.XID())
	err = txn.Commit()
	require.ErrorIs(t, err, ErrCommitFailed)
	require.ErrorIs(t, err, fs.ErrInjected)
	assert.Equal(t, Aborted, m.Status(txn.XID()))

	other := m.Begin()
	require.NoError(t, other.Abort(), "aborts do not need their record")
}

func TestNewManager_CloseWithoutLog(t *testing.T) {
	require.NoError(t, NewManager().Close())
}
