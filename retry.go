package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// withRetry runs fn until it succeeds, fails with a non-retriable error, or
// the attempt budget is exhausted, waiting a constant delay between
// attempts.
func (db *DB) withRetry(ctx context.Context, op, table string, fn func() error) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(db.retryDelay)
	b = backoff.WithMaxRetries(b, uint64(db.attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil || IsRetriable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, wait time.Duration) {
		db.logger.LogAttrs(ctx, slog.LevelWarn, "docstore: retrying after contention",
			slog.String("op", op),
			slog.String("table", table),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("err", err))
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return Cancelled(err)
	case IsRetriable(err):
		return fmt.Errorf("%w after %d attempts: %w", ErrContention, attempt, err)
	default:
		return err
	}
}
