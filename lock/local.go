package lock

import (
	"context"
	"time"

	"github.com/EagleChen/mapmutex"

	"github.com/andreyvit/docstore"
)

// Local serializes holders within one process. The ttl argument is
// ignored; locks live until released.
type Local struct {
	mm   *mapmutex.Mutex
	Poll time.Duration
}

func NewLocal() *Local {
	return &Local{
		// Single TryLock attempt; waiting is done by poll so that it can
		// observe context cancellation.
		mm:   mapmutex.NewCustomizedMapMutex(1, 100000000, 10, 1.1, 0.2),
		Poll: defaultPoll,
	}
}

func (l *Local) Acquire(ctx context.Context, scopeID, entityID string, ttl time.Duration) (docstore.Releaser, error) {
	name := lockName(scopeID, entityID)
	err := poll(ctx, l.Poll, func() (bool, error) {
		return l.mm.TryLock(name), nil
	})
	if err != nil {
		return nil, err
	}
	return once(func() error {
		l.mm.Unlock(name)
		return nil
	}), nil
}
