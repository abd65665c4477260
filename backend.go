package docstore

import (
	"context"
)

// WriteMode controls how Backend.Write treats an existing item.
type WriteMode int

const (
	// WriteUpsert creates or replaces the item.
	WriteUpsert WriteMode = iota
	// WriteCreate fails with ErrAlreadyExists if the item exists.
	WriteCreate
	// WriteReplace fails with ErrNotFound if the item does not exist.
	WriteReplace
)

func (m WriteMode) String() string {
	switch m {
	case WriteUpsert:
		return "upsert"
	case WriteCreate:
		return "create"
	case WriteReplace:
		return "replace"
	default:
		return "?"
	}
}

// Page is one page of scan results.
type Page struct {
	Items []Document
	// Next resumes the scan; empty when the table is exhausted.
	Next Cursor
}

// Backend is a storage adapter. Implementations store each item's body
// without the key attribute and attach the key to every document they
// return. Missing items are reported as (nil, nil) by Get.
//
// Backends are not required to be atomic across calls; see Transactor.
type Backend interface {
	Name() string

	Exists(ctx context.Context, table string, key Key) (bool, error)
	Get(ctx context.Context, table string, key Key) (Document, error)
	// GetMany returns one entry per key, in order, nil for missing items.
	GetMany(ctx context.Context, table string, keys []Key) ([]Document, error)

	Write(ctx context.Context, table string, key Key, body Document, mode WriteMode) error
	Delete(ctx context.Context, table string, key Key) (existed bool, err error)

	Scan(ctx context.Context, table string, cursor Cursor, pageSize int) (Page, error)
	ScanFiltered(ctx context.Context, table string, cond Cond, cursor Cursor, pageSize int) (Page, error)

	DropTable(ctx context.Context, table string) error
	Close() error
}

// Transactor is implemented by backends that can run a read-check-write
// sequence atomically. fn receives a Backend bound to the transaction;
// returning an error rolls it back.
type Transactor interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Backend) error) error
}

// Incrementer is implemented by backends with a native atomic increment.
// Increment returns the new value. It may return ErrUnsupported for paths
// or states it cannot handle natively.
type Incrementer interface {
	Increment(ctx context.Context, table string, key Key, path Path, delta Value) (Value, error)
}

// Versioner is implemented by backends that support optimistic
// concurrency through a hidden per-item version. Version 0 means the item
// does not exist; -1 means it exists but was written without a version.
// Writes and deletes whose expected version no longer matches fail with an
// error wrapping ErrVersionConflict that is marked retriable.
type Versioner interface {
	GetVersioned(ctx context.Context, table string, key Key) (Document, int64, error)
	WriteVersioned(ctx context.Context, table string, key Key, body Document, expected int64) error
	DeleteVersioned(ctx context.Context, table string, key Key, expected int64) error
}

// FilterPage applies cond to a sorted sequence of documents and slices out
// the page starting at the given offset. Backends without a native filter
// language use it for ScanFiltered.
func FilterPage(docs []Document, cond Cond, cursor Cursor, pageSize int) Page {
	matched := docs
	if !cond.IsEmpty() {
		matched = make([]Document, 0, len(docs))
		for _, d := range docs {
			if cond.Eval(d) {
				matched = append(matched, d)
			}
		}
	}
	return OffsetPage(matched, cursor, pageSize)
}

// OffsetPage slices a page out of docs using an offset cursor.
func OffsetPage(docs []Document, cursor Cursor, pageSize int) Page {
	off := ParseOffset(cursor)
	if off > len(docs) {
		off = len(docs)
	}
	end := len(docs)
	if pageSize > 0 && off+pageSize < end {
		end = off + pageSize
	}
	p := Page{Items: docs[off:end]}
	if end < len(docs) {
		p.Next = OffsetCursor(end)
	}
	return p
}
