// Package memstore implements a transient in-memory docstore.Backend
// intended for tests. Every write runs in a snapshot transaction; at most one
// writer is active at a time.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/andreyvit/docstore"
)

const backendName = "memory"

var errClosed = errors.New("memstore: closed")

type Store struct {
	mu     sync.Mutex
	tables map[string]*table
	closed bool

	// writeSem holds a token while a writable transaction is open.
	writeSem chan struct{}
	done     chan struct{}
}

var (
	_ docstore.Backend    = (*Store)(nil)
	_ docstore.Transactor = (*Store)(nil)
	_ docstore.Backend    = (*Tx)(nil)
)

func New() *Store {
	return &Store{
		tables:   make(map[string]*table),
		writeSem: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Store) Name() string { return backendName }

// Begin starts a transaction. Read-only transactions see the state as of
// the last commit; writable ones work on a private copy that Commit
// publishes.
func (s *Store) Begin(ctx context.Context, writable bool) (*Tx, error) {
	if err := docstore.CheckContext(ctx); err != nil {
		return nil, err
	}
	if !writable {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil, errClosed
		}
		// Committed tables are never mutated in place.
		return &Tx{base: s, tables: s.tables}, nil
	}

	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return nil, docstore.Cancelled(ctx.Err())
	case <-s.done:
		return nil, errClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		<-s.writeSem
		return nil, errClosed
	}

	snap := make(map[string]*table, len(s.tables))
	for k, t := range s.tables {
		snap[k] = t.clone()
	}
	return &Tx{base: s, writable: true, tables: snap}, nil
}

func (s *Store) view(ctx context.Context, f func(tx *Tx) error) error {
	tx, err := s.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

func (s *Store) update(ctx context.Context, f func(tx *Tx) error) error {
	tx, err := s.Begin(ctx, true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx docstore.Backend) error) error {
	return s.update(ctx, func(tx *Tx) error {
		return fn(ctx, tx)
	})
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.tables = nil
		close(s.done)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, table string, key docstore.Key) (found bool, err error) {
	err = s.view(ctx, func(tx *Tx) error {
		found, err = tx.Exists(ctx, table, key)
		return err
	})
	return
}

func (s *Store) Get(ctx context.Context, table string, key docstore.Key) (doc docstore.Document, err error) {
	err = s.view(ctx, func(tx *Tx) error {
		doc, err = tx.Get(ctx, table, key)
		return err
	})
	return
}

func (s *Store) GetMany(ctx context.Context, table string, keys []docstore.Key) (docs []docstore.Document, err error) {
	err = s.view(ctx, func(tx *Tx) error {
		docs, err = tx.GetMany(ctx, table, keys)
		return err
	})
	return
}

func (s *Store) Write(ctx context.Context, table string, key docstore.Key, body docstore.Document, mode docstore.WriteMode) error {
	return s.update(ctx, func(tx *Tx) error {
		return tx.Write(ctx, table, key, body, mode)
	})
}

func (s *Store) Delete(ctx context.Context, table string, key docstore.Key) (existed bool, err error) {
	err = s.update(ctx, func(tx *Tx) error {
		existed, err = tx.Delete(ctx, table, key)
		return err
	})
	return
}

func (s *Store) Scan(ctx context.Context, table string, cursor docstore.Cursor, pageSize int) (page docstore.Page, err error) {
	err = s.view(ctx, func(tx *Tx) error {
		page, err = tx.Scan(ctx, table, cursor, pageSize)
		return err
	})
	return
}

func (s *Store) ScanFiltered(ctx context.Context, table string, cond docstore.Cond, cursor docstore.Cursor, pageSize int) (page docstore.Page, err error) {
	err = s.view(ctx, func(tx *Tx) error {
		page, err = tx.ScanFiltered(ctx, table, cond, cursor, pageSize)
		return err
	})
	return
}

func (s *Store) DropTable(ctx context.Context, table string) error {
	return s.update(ctx, func(tx *Tx) error {
		return tx.DropTable(ctx, table)
	})
}

// Tx is a transaction. It implements docstore.Backend against its snapshot.
type Tx struct {
	base     *Store
	writable bool
	tables   map[string]*table
	closed   bool
}

func (tx *Tx) Name() string { return backendName }

func (tx *Tx) Writable() bool { return tx.writable }

func (tx *Tx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return errors.New("memstore: tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return errClosed
	}
	tx.base.tables = tx.tables
	tx.closeLocked()
	return nil
}

// Rollback abandons the transaction. It is safe to call multiple times.
func (tx *Tx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *Tx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		<-tx.base.writeSem
	}
}

// Close is a no-op; use Commit or Rollback.
func (tx *Tx) Close() error { return nil }

func (tx *Tx) check(ctx context.Context, write bool) error {
	if tx.closed {
		panic("memstore: tx is closed")
	}
	if write && !tx.writable {
		return errors.New("memstore: tx not writable")
	}
	return docstore.CheckContext(ctx)
}

func (tx *Tx) Exists(ctx context.Context, tbl string, key docstore.Key) (bool, error) {
	if err := tx.check(ctx, false); err != nil {
		return false, err
	}
	t := tx.tables[tbl]
	if t == nil {
		return false, nil
	}
	_, ok := t.find(docstore.EncodeKey(key))
	return ok, nil
}

func (tx *Tx) Get(ctx context.Context, tbl string, key docstore.Key) (docstore.Document, error) {
	if err := tx.check(ctx, false); err != nil {
		return nil, err
	}
	t := tx.tables[tbl]
	if t == nil {
		return nil, nil
	}
	i, ok := t.find(docstore.EncodeKey(key))
	if !ok {
		return nil, nil
	}
	return t.items[i].body.WithKey(key).Clone(), nil
}

func (tx *Tx) GetMany(ctx context.Context, tbl string, keys []docstore.Key) ([]docstore.Document, error) {
	docs := make([]docstore.Document, len(keys))
	for i, key := range keys {
		doc, err := tx.Get(ctx, tbl, key)
		if err != nil {
			return nil, err
		}
		docs[i] = doc
	}
	return docs, nil
}

func (tx *Tx) Write(ctx context.Context, tbl string, key docstore.Key, body docstore.Document, mode docstore.WriteMode) error {
	if err := tx.check(ctx, true); err != nil {
		return err
	}
	t := tx.tables[tbl]
	if t == nil {
		if mode == docstore.WriteReplace {
			return docstore.ErrNotFound
		}
		t = &table{}
		tx.tables[tbl] = t
	}
	k := docstore.EncodeKey(key)
	body = body.WithoutKey(key).Clone()
	i, ok := t.find(k)
	switch {
	case ok && mode == docstore.WriteCreate:
		return docstore.ErrAlreadyExists
	case !ok && mode == docstore.WriteReplace:
		return docstore.ErrNotFound
	case ok:
		t.items[i].body = body
	default:
		t.items = slices.Insert(t.items, i, item{key: k, attr: key.Attr, value: key.Value, body: body})
	}
	return nil
}

func (tx *Tx) Delete(ctx context.Context, tbl string, key docstore.Key) (bool, error) {
	if err := tx.check(ctx, true); err != nil {
		return false, err
	}
	t := tx.tables[tbl]
	if t == nil {
		return false, nil
	}
	i, ok := t.find(docstore.EncodeKey(key))
	if !ok {
		return false, nil
	}
	t.items = slices.Delete(t.items, i, i+1)
	if len(t.items) == 0 {
		delete(tx.tables, tbl)
	}
	return true, nil
}

func (tx *Tx) Scan(ctx context.Context, tbl string, cursor docstore.Cursor, pageSize int) (docstore.Page, error) {
	return tx.ScanFiltered(ctx, tbl, docstore.Cond{}, cursor, pageSize)
}

func (tx *Tx) ScanFiltered(ctx context.Context, tbl string, cond docstore.Cond, cursor docstore.Cursor, pageSize int) (docstore.Page, error) {
	if err := tx.check(ctx, false); err != nil {
		return docstore.Page{}, err
	}
	t := tx.tables[tbl]
	if t == nil {
		return docstore.Page{}, nil
	}
	docs := make([]docstore.Document, len(t.items))
	for i, it := range t.items {
		docs[i] = it.body.WithKey(docstore.Key{Attr: it.attr, Value: it.value}).Clone()
	}
	return docstore.FilterPage(docs, cond, cursor, pageSize), nil
}

func (tx *Tx) DropTable(ctx context.Context, tbl string) error {
	if err := tx.check(ctx, true); err != nil {
		return err
	}
	delete(tx.tables, tbl)
	return nil
}

type table struct {
	items []item // sorted by key
}

type item struct {
	key   []byte
	attr  string
	value docstore.Value
	body  docstore.Document
}

func (t *table) clone() *table {
	out := &table{items: make([]item, len(t.items))}
	for i, it := range t.items {
		it.body = it.body.Clone()
		out.items[i] = it
	}
	return out
}

func (t *table) find(key []byte) (idx int, ok bool) {
	items := t.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}
