//go:build linux

package blockstore

import (
	"os"

	"github.com/jnicholls/paradedb/internal/fs"
	"golang.org/x/sys/unix"
)

func lockDir(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() error {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return f.Close()
	}, nil
}

// syncFile uses fdatasync when the file exposes a descriptor; block files never
// change metadata other than their size, which extend already accounts for.
func syncFile(f fs.File) error {
	d, ok := f.(fs.Descriptor)
	if !ok {
		return f.Sync()
	}
	return unix.Fdatasync(int(d.Fd()))
}

func adviseFile(f fs.File, pattern AccessPattern) error {
	d, ok := f.(fs.Descriptor)
	if !ok {
		return nil
	}
	advice := unix.FADV_NORMAL
	if pattern == AccessSequential {
		advice = unix.FADV_SEQUENTIAL
	}
	return unix.Fadvise(int(d.Fd()), 0, 0, advice)
}
