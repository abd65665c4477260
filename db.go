package docstore

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = 5 * time.Second
	defaultLockTTL       = 30 * time.Second
	defaultPageSize      = 100
)

// Hooks are optional callbacks run by the DB around writes.
type Hooks struct {
	// SanityCheck inspects every document about to be written (with the
	// key attached). A non-nil error rejects the write with ErrValidation.
	SanityCheck func(table string, key Key, doc Document) error

	// AfterInsert runs when a write creates a previously absent item. It
	// runs concurrently with the physical write and both must succeed.
	AfterInsert func(ctx context.Context, table string, key Key) error

	// AfterDrop runs after DropTable succeeds.
	AfterDrop func(ctx context.Context, table string) error
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// Locker serializes mutating operations per table. Backends that
	// implement Transactor do not need one.
	Locker  MutexProvider
	LockTTL time.Duration

	Hooks Hooks
	Post  PostOptions

	RetryAttempts int
	RetryDelay    time.Duration
}

// DB coordinates conditional writes over a Backend. It is safe for
// concurrent use if the backend is.
type DB struct {
	be  Backend
	tx  Transactor
	inc Incrementer
	ver Versioner

	logger  *slog.Logger
	verbose bool

	locker  MutexProvider
	lockTTL time.Duration

	hooks Hooks
	post  PostOptions

	attempts   int
	retryDelay time.Duration
}

func Open(be Backend, opt Options) (*DB, error) {
	if be == nil {
		return nil, ErrNotInitialized
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opt.RetryAttempts <= 0 {
		opt.RetryAttempts = defaultRetryAttempts
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = defaultRetryDelay
	}
	if opt.LockTTL <= 0 {
		opt.LockTTL = defaultLockTTL
	}
	db := &DB{
		be:         be,
		logger:     opt.Logger,
		verbose:    opt.Verbose,
		locker:     opt.Locker,
		lockTTL:    opt.LockTTL,
		hooks:      opt.Hooks,
		post:       opt.Post,
		attempts:   opt.RetryAttempts,
		retryDelay: opt.RetryDelay,
	}
	db.tx, _ = be.(Transactor)
	db.inc, _ = be.(Incrementer)
	db.ver, _ = be.(Versioner)
	return db, nil
}

// Backend returns the underlying backend.
func (db *DB) Backend() Backend {
	return db.be
}

// Close closes the backend and, if it has a Close method, the locker.
func (db *DB) Close() error {
	var result *multierror.Error
	if err := db.be.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if c, ok := db.locker.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (db *DB) trace(ctx context.Context, op, table string, key *Key, attrs ...slog.Attr) {
	if !db.verbose {
		return
	}
	msg := "db: " + op + " " + table
	if key != nil {
		msg += "/" + key.String()
	}
	db.logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}

// lockTable acquires the table lock if a Locker is configured.
func (db *DB) lockTable(ctx context.Context, table string) (Releaser, error) {
	if db.locker == nil {
		return nopReleaser{}, nil
	}
	r, err := db.locker.Acquire(ctx, tableLockScope, table, db.lockTTL)
	if err != nil {
		if c := Cancelled(err); c != err {
			return nil, c
		}
		return nil, BackendErrf("locker", err, "acquire %s", table)
	}
	return r, nil
}

func (db *DB) unlock(ctx context.Context, table string, r Releaser) {
	if err := r.Release(); err != nil {
		db.logger.LogAttrs(ctx, slog.LevelWarn, "docstore: releasing table lock failed",
			slog.String("table", table), slog.Any("err", err))
	}
}

func (db *DB) atomic(ctx context.Context, fn func(ctx context.Context, be Backend) error) error {
	if db.tx != nil {
		return db.tx.Atomic(ctx, fn)
	}
	return fn(ctx, db.be)
}

func (db *DB) finish(doc Document, key Key) Document {
	if doc == nil {
		return nil
	}
	doc = doc.WithKey(key)
	return db.post.Apply(doc)
}
