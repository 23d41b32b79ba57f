//go:build !linux

package blockstore

import (
	"os"

	"github.com/jnicholls/paradedb/internal/fs"
)

func lockDir(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return f.Close, nil
}

func syncFile(f fs.File) error { return f.Sync() }

func adviseFile(fs.File, AccessPattern) error { return nil }
