// Package fsync flushes files and directories to stable storage.
package fsync

import (
	"errors"
	"io/fs"
	"os"
	"runtime"
)

// Fdatasync triggers the fastest fsync-like operation that ensures
// durability of the data written to the given file.
//
// Fdatasync might be faster than f.Sync() aka fsync thanks to not syncing
// metadata (last modification/access time) that isn't necessary to ensure
// durability of the data.
//
// WARNING: ERRORS RETURNED BY THIS FUNCTION ARE NOT RECOVERABLE. Many
// operating systems mark modified pages as clean after a failed fsync, so
// the only sensible handling is to treat the written data as lost.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}

// File syncs f using Fdatasync when it is an *os.File and f.Sync otherwise
// (for example, for in-memory afero files).
func File(f interface{ Sync() error }) error {
	if osf, ok := f.(*os.File); ok {
		return fdatasync(osf)
	}
	return f.Sync()
}

// Dir syncs a directory so that renames and removals inside it are durable.
// It is a no-op on Windows, where directories cannot be opened for syncing.
func Dir(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	// Some file systems refuse to fsync directories.
	if errors.Is(err, fs.ErrInvalid) || errors.Is(err, fs.ErrPermission) {
		return nil
	}
	return err
}
