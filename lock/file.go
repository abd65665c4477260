package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/andreyvit/docstore"
)

// File coordinates processes through advisory locks on files in a shared
// directory. The operating system drops the lock when the holder exits,
// so ttl is not needed and is ignored.
type File struct {
	dir   string
	local *Local
	Poll  time.Duration
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &File{dir: dir, local: NewLocal(), Poll: defaultPoll}, nil
}

func (l *File) path(scopeID, entityID string) string {
	return filepath.Join(l.dir, fmt.Sprintf("%016x.lock", xxhash.Sum64String(lockName(scopeID, entityID))))
}

func (l *File) Acquire(ctx context.Context, scopeID, entityID string, ttl time.Duration) (docstore.Releaser, error) {
	// Goroutines of this process queue on the in-process lock first, so
	// only one of them polls the file.
	inproc, err := l.local.Acquire(ctx, scopeID, entityID, ttl)
	if err != nil {
		return nil, err
	}

	path := l.path(scopeID, entityID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		inproc.Release()
		return nil, err
	}
	err = poll(ctx, l.Poll, func() (bool, error) {
		return tryLockFile(f)
	})
	if err != nil {
		f.Close()
		inproc.Release()
		return nil, err
	}

	return once(func() error {
		var result *multierror.Error
		if err := unlockFile(f); err != nil {
			result = multierror.Append(result, fmt.Errorf("unlock %s: %w", path, err))
		}
		if err := f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := inproc.Release(); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	}), nil
}
