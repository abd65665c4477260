package docstore

import (
	"context"
	"time"
)

// MutexProvider hands out named exclusive locks. Implementations live in
// the lock package.
type MutexProvider interface {
	// Acquire blocks until the lock for (scopeID, entityID) is held or ctx
	// is done. ttl bounds how long a crashed holder can keep the lock, for
	// providers that support expiry.
	Acquire(ctx context.Context, scopeID, entityID string, ttl time.Duration) (Releaser, error)
}

type Releaser interface {
	Release() error
}

const tableLockScope = "docstore/table"

type nopReleaser struct{}

func (nopReleaser) Release() error { return nil }
