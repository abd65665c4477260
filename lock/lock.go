// Package lock provides docstore.MutexProvider implementations: an
// in-process keyed mutex, advisory file locks for processes sharing a
// directory, and Redis leases for processes sharing a Redis server.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andreyvit/docstore"
)

// ErrNotHeld is returned by Release when the lock was lost before release,
// for example because its lease expired.
var ErrNotHeld = errors.New("lock not held")

const defaultPoll = 5 * time.Millisecond

var (
	_ docstore.MutexProvider = (*Local)(nil)
	_ docstore.MutexProvider = (*File)(nil)
	_ docstore.MutexProvider = (*Redis)(nil)
)

func lockName(scopeID, entityID string) string {
	return scopeID + "\x00" + entityID
}

// poll calls try until it succeeds, fails or ctx is done.
func poll(ctx context.Context, interval time.Duration, try func() (bool, error)) error {
	var timer *time.Timer
	for {
		ok, err := try()
		if err != nil || ok {
			return err
		}
		if timer == nil {
			timer = time.NewTimer(interval)
			defer timer.Stop()
		} else {
			timer.Reset(interval)
		}
		select {
		case <-ctx.Done():
			return docstore.Cancelled(ctx.Err())
		case <-timer.C:
		}
	}
}

type releaseFunc func() error

// once makes a Releaser whose Release runs f at most once.
func once(f releaseFunc) docstore.Releaser {
	return &onceReleaser{f: f}
}

type onceReleaser struct {
	once sync.Once
	f    releaseFunc
	err  error
}

func (r *onceReleaser) Release() error {
	r.once.Do(func() {
		r.err = r.f()
	})
	return r.err
}
