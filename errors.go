package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotInitialized is returned when a DB is used without a backend.
	ErrNotInitialized = errors.New("store not initialized")

	// ErrNotFound means the addressed item (or table) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by a create-only write of an existing item.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPreconditionFailed means the write condition did not hold.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrValidation covers malformed attribute paths, mixed-kind element
	// batches and rejections by Hooks.SanityCheck.
	ErrValidation = errors.New("validation failed")

	// ErrContention is returned once retriable backend faults have exhausted
	// all attempts.
	ErrContention = errors.New("contention")

	// ErrBackend wraps any other failure reported by a backend.
	ErrBackend = errors.New("backend failure")

	// ErrCancelled is matched by errors caused by context cancellation or
	// deadline expiry. The original context error stays in the chain.
	ErrCancelled = errors.New("cancelled")

	// ErrTypeMismatch is returned by Value accessors on the wrong variant.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrVersionConflict is reported by Versioner backends when the item
	// changed between the read and the write.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnsupported is returned by optional backend capabilities to ask the
	// caller to fall back to the generic implementation.
	ErrUnsupported = errors.New("unsupported")
)

// OpError describes a failed DB operation.
type OpError struct {
	Op    string
	Table string
	Key   *Key
	Err   error
}

func opErr(op, table string, key *Key, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.Op == op && oe.Table == table {
		return err
	}
	return &OpError{Op: op, Table: table, Key: key, Err: err}
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Error() string {
	var buf strings.Builder
	buf.WriteString(strings.ToLower(e.Op))
	buf.WriteByte(' ')
	buf.WriteString(e.Table)
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(e.Key.String())
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// BackendError is a failure reported by a Backend. It matches ErrBackend.
type BackendError struct {
	Backend string
	Msg     string
	Err     error
}

// BackendErrf returns a *BackendError. If err already carries one of the
// package's sentinels (other than ErrBackend), err is returned unchanged
// so that callers can still match it.
func BackendErrf(backend string, err error, format string, args ...any) error {
	if err != nil && isClassified(err) {
		return err
	}
	return &BackendError{Backend: backend, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

func (e *BackendError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Backend)
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func isClassified(err error) bool {
	for _, s := range [...]error{ErrNotFound, ErrAlreadyExists, ErrPreconditionFailed, ErrValidation, ErrContention, ErrCancelled, ErrUnsupported} {
		if errors.Is(err, s) {
			return true
		}
	}
	return IsRetriable(err)
}

type retriableError struct {
	err error
}

func (e *retriableError) Error() string { return e.err.Error() }
func (e *retriableError) Unwrap() error { return e.err }

// MarkRetriable flags err as a transient fault (write conflict, throttling)
// that the coordinator may retry.
func MarkRetriable(err error) error {
	if err == nil || IsRetriable(err) {
		return err
	}
	return &retriableError{err}
}

// IsRetriable reports whether err has been marked with MarkRetriable.
func IsRetriable(err error) bool {
	var re *retriableError
	return errors.As(err, &re)
}

type cancelledError struct {
	err error
}

func (e *cancelledError) Error() string { return "cancelled: " + e.err.Error() }
func (e *cancelledError) Unwrap() error { return e.err }
func (e *cancelledError) Is(target error) bool { return target == ErrCancelled }

// Cancelled converts context errors found in err's chain into errors
// matching ErrCancelled. Other errors are returned unchanged.
func Cancelled(err error) error {
	if err == nil || errors.Is(err, ErrCancelled) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &cancelledError{err}
	}
	return err
}

// CheckContext returns a cancellation error if ctx is done.
func CheckContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &cancelledError{err}
	}
	return nil
}

func validationErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
