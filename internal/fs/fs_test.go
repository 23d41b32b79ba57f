package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rel")

	f, err := Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("hello"), 3)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, ok := f.(Descriptor)
	assert.True(t, ok, "os files expose a descriptor")
	require.NoError(t, f.Close())

	entries, err := Default.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, Default.Remove(path))
	_, err = Default.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFaultyFS(t *testing.T) {
	dir := t.TempDir()
	custom := errors.New("disk on fire")

	ffs := NewFaultyFS(nil)
	ffs.AddRule("broken", Fault{FailAfterBytes: 4, FailOnRead: true, FailOnSync: true, Err: custom})

	f, err := ffs.OpenFile(filepath.Join(dir, "broken"), os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	_, err = f.WriteAt([]byte("abcd"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("e"), 4)
	assert.ErrorIs(t, err, custom)
	_, err = f.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, custom)
	assert.ErrorIs(t, f.Sync(), custom)

	healthy, err := ffs.OpenFile(filepath.Join(dir, "healthy"), os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer func() { _ = healthy.Close() }()

	_, err = healthy.WriteAt(make([]byte, 64), 0)
	assert.NoError(t, err)
	assert.NoError(t, healthy.Sync())
}
