package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestOpError_ErrorAndUnwrap(t *testing.T) {
	key := K("id", "u1")
	err := opErr("PUT", "users", &key, ErrAlreadyExists)
	var oe *OpError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %T, wanted *OpError", err)
	}
	isErr(t, err, ErrAlreadyExists)
	if a, e := err.Error(), "put users/id=u1: already exists"; a != e {
		t.Fatalf("err.Error() = %q, wanted %q", a, e)
	}

	if opErr("PUT", "users", nil, nil) != nil {
		t.Fatalf("opErr(nil) != nil")
	}
	if again := opErr("PUT", "users", &key, err); again != err {
		t.Fatalf("opErr wrapped its own error twice: %v", again)
	}
	if a, e := opErr("SCAN", "t", nil, ErrCancelled).Error(), "scan t: cancelled"; a != e {
		t.Fatalf("err.Error() = %q, wanted %q", a, e)
	}
}

func TestBackendError(t *testing.T) {
	inner := errors.New("disk on fire")
	err := BackendErrf("localfs", inner, "write %s", "x.json")
	isErr(t, err, ErrBackend)
	isErr(t, err, inner)
	if a, e := err.Error(), "localfs: write x.json: disk on fire"; a != e {
		t.Fatalf("err.Error() = %q, wanted %q", a, e)
	}

	classified := fmt.Errorf("wrapped: %w", ErrNotFound)
	if BackendErrf("x", classified, "oops") != classified {
		t.Fatalf("BackendErrf re-wrapped a classified error")
	}
	retriable := MarkRetriable(inner)
	if BackendErrf("x", retriable, "oops") != retriable {
		t.Fatalf("BackendErrf re-wrapped a retriable error")
	}
}

func TestRetriable(t *testing.T) {
	inner := errors.New("throttled")
	err := MarkRetriable(inner)
	if !IsRetriable(err) || !IsRetriable(fmt.Errorf("x: %w", err)) {
		t.Fatalf("IsRetriable = false, wanted true")
	}
	isErr(t, err, inner)
	if IsRetriable(inner) {
		t.Fatalf("IsRetriable(inner) = true")
	}
	if MarkRetriable(err) != err {
		t.Fatalf("MarkRetriable wrapped twice")
	}
	if MarkRetriable(nil) != nil {
		t.Fatalf("MarkRetriable(nil) != nil")
	}
}

func TestCancelled(t *testing.T) {
	err := Cancelled(fmt.Errorf("read: %w", context.Canceled))
	isErr(t, err, ErrCancelled)
	isErr(t, err, context.Canceled)
	if !strings.HasPrefix(err.Error(), "cancelled: ") {
		t.Fatalf("err.Error() = %q", err.Error())
	}

	plain := errors.New("plain")
	if Cancelled(plain) != plain {
		t.Fatalf("Cancelled changed an unrelated error")
	}
	if Cancelled(err) != err {
		t.Fatalf("Cancelled wrapped twice")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if CheckContext(ctx) != nil {
		t.Fatalf("CheckContext on a live context failed")
	}
	cancel()
	isErr(t, CheckContext(ctx), ErrCancelled)
}
