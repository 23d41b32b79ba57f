package fts

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt is returned when an index file cannot be decoded.
	ErrCorrupt = errors.New("fts: corrupt index file")

	// ErrFileNotFound is returned by directories for missing files.
	ErrFileNotFound = errors.New("fts: file not found")

	// ErrFieldNotFound is returned when a field name or id is not in the schema.
	ErrFieldNotFound = errors.New("fts: field not found")

	// ErrWriterClosed is returned when a writer is used after it was closed.
	ErrWriterClosed = errors.New("fts: index writer closed")

	// ErrSchemaMismatch is returned when a value does not match its field type.
	ErrSchemaMismatch = errors.New("fts: value does not match field type")

	// ErrConcurrentUpdate is returned by SaveMetas when another writer already
	// replaced a segment this writer is replacing.
	ErrConcurrentUpdate = errors.New("fts: segment meta concurrently updated")

	// ErrIndexNotFound is returned by Open when the directory holds no index.
	ErrIndexNotFound = errors.New("fts: index does not exist")
)

// FileError annotates a directory error with the file it concerns.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("fts: %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

func fileErr(path string, err error) error {
	if err == nil {
		return nil
	}
	return &FileError{Path: path, Err: err}
}
