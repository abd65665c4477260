//go:build !linux && !darwin

package fsync

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}
