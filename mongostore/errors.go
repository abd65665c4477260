package mongostore

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/andreyvit/docstore"
)

const (
	codeBadValue         = 2
	codeTypeMismatch     = 14
	codePathNotViable    = 28
	codeConflictingPaths = 40
	codeWriteConflict    = 112
)

func (s *Store) wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if c := docstore.Cancelled(err); c != err {
		return c
	}
	if isTransient(err) {
		return docstore.MarkRetriable(fmt.Errorf("%s: %s: %w", backendName, fmt.Sprintf(format, args...), err))
	}
	return docstore.BackendErrf(backendName, err, format, args...)
}

func isTransient(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.HasErrorLabel("TransientTransactionError") || se.HasErrorCode(codeWriteConflict)
}

// isUnsupportedUpdate reports update failures caused by the current shape
// of the item, which the generic read-modify-write path handles.
func isUnsupportedUpdate(err error) bool {
	var se mongo.ServerError
	if err == nil || !errors.As(err, &se) {
		return false
	}
	for _, code := range []int{codeBadValue, codeTypeMismatch, codePathNotViable, codeConflictingPaths} {
		if se.HasErrorCode(code) {
			return true
		}
	}
	return false
}
