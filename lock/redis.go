package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/andreyvit/docstore"
)

// releaseScript deletes the lock key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

const defaultRedisTTL = 30 * time.Second

// Redis implements leases stored in Redis. A lease expires after the ttl
// passed to Acquire, so a crashed holder cannot block others forever.
type Redis struct {
	client redis.UniversalClient
	prefix string
	Poll   time.Duration
	// ReleaseTimeout bounds the release round trip.
	ReleaseTimeout time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "docstore:lock:"
	}
	return &Redis{
		client:         client,
		prefix:         prefix,
		Poll:           25 * time.Millisecond,
		ReleaseTimeout: 5 * time.Second,
	}
}

func (l *Redis) key(scopeID, entityID string) string {
	return l.prefix + scopeID + ":" + entityID
}

func (l *Redis) Acquire(ctx context.Context, scopeID, entityID string, ttl time.Duration) (docstore.Releaser, error) {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	key := l.key(scopeID, entityID)
	token := uuid.NewString()
	err := poll(ctx, l.Poll, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return false, docstore.Cancelled(err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return once(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), l.ReleaseTimeout)
		defer cancel()
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("release %s: %w", key, ErrNotHeld)
		}
		return nil
	}), nil
}

// Close closes the Redis client.
func (l *Redis) Close() error {
	return l.client.Close()
}
