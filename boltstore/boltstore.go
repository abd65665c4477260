// Package boltstore implements docstore.Backend on top of a Bolt file.
// Each table is a bucket keyed by docstore.EncodeKey; item bodies are
// stored as MsgPack.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"

	"github.com/andreyvit/docstore"
)

const backendName = "bolt"

type Options struct {
	// Timeout bounds waiting for the file lock held by another process.
	Timeout time.Duration
	// NoSync skips fsync after commits. Only for tests.
	NoSync bool
	Mode   os.FileMode
}

type Store struct {
	bdb *bbolt.DB
}

var (
	_ docstore.Backend    = (*Store)(nil)
	_ docstore.Transactor = (*Store)(nil)
	_ docstore.Backend    = (*Tx)(nil)
)

func Open(path string, opt Options) (*Store, error) {
	if opt.Mode == 0 {
		opt.Mode = 0666
	}
	if opt.Timeout == 0 {
		opt.Timeout = 10 * time.Second
	}
	bdb, err := bbolt.Open(path, opt.Mode, &bbolt.Options{
		Timeout:        opt.Timeout,
		NoSync:         opt.NoSync,
		NoFreelistSync: true,
		FreelistType:   bbolt.FreelistMapType,
	})
	if err != nil {
		return nil, docstore.BackendErrf(backendName, err, "open %s", path)
	}
	return &Store{bdb: bdb}, nil
}

// Bolt returns the underlying database.
func (s *Store) Bolt() *bbolt.DB { return s.bdb }

func (s *Store) Name() string { return backendName }

func (s *Store) Close() error {
	return s.bdb.Close()
}

func (s *Store) view(ctx context.Context, f func(tx *Tx) error) error {
	if err := docstore.CheckContext(ctx); err != nil {
		return err
	}
	return s.bdb.View(func(btx *bbolt.Tx) error {
		return f(&Tx{btx: btx})
	})
}

func (s *Store) update(ctx context.Context, f func(tx *Tx) error) error {
	if err := docstore.CheckContext(ctx); err != nil {
		return err
	}
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		return f(&Tx{btx: btx})
	})
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx docstore.Backend) error) error {
	return s.update(ctx, func(tx *Tx) error {
		return fn(ctx, tx)
	})
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

// Tx implements docstore.Backend against a single Bolt transaction.
type Tx struct {
	btx *bbolt.Tx
}

func (tx *Tx) BoltTx() *bbolt.Tx { return tx.btx }

func (tx *Tx) Name() string { return backendName }

// Close is a no-op; the transaction is owned by the Store.
func (tx *Tx) Close() error { return nil }

func (tx *Tx) bucket(table string) *bbolt.Bucket {
	return tx.btx.Bucket(unsafeBytesFromString(table))
}

func (tx *Tx) Exists(ctx context.Context, table string, key docstore.Key) (bool, error) {
	if err := docstore.CheckContext(ctx); err != nil {
		return false, err
	}
	b := tx.bucket(table)
	if b == nil {
		return false, nil
	}
	return b.Get(docstore.EncodeKey(key)) != nil, nil
}

func (tx *Tx) Get(ctx context.Context, table string, key docstore.Key) (docstore.Document, error) {
	if err := docstore.CheckContext(ctx); err != nil {
		return nil, err
	}
	b := tx.bucket(table)
	if b == nil {
		return nil, nil
	}
	raw := b.Get(docstore.EncodeKey(key))
	if raw == nil {
		return nil, nil
	}
	body, err := decodeBody(raw)
	if err != nil {
		return nil, docstore.BackendErrf(backendName, err, "%s/%v", table, key)
	}
	return body.WithKey(key), nil
}

func (tx *Tx) GetMany(ctx context.Context, table string, keys []docstore.Key) ([]docstore.Document, error) {
	docs := make([]docstore.Document, len(keys))
	for i, key := range keys {
		doc, err := tx.Get(ctx, table, key)
		if err != nil {
			return nil, err
		}
		docs[i] = doc
	}
	return docs, nil
}

func (tx *Tx) Write(ctx context.Context, table string, key docstore.Key, body docstore.Document, mode docstore.WriteMode) error {
	if err := docstore.CheckContext(ctx); err != nil {
		return err
	}
	k := docstore.EncodeKey(key)
	b := tx.bucket(table)
	exists := b != nil && b.Get(k) != nil
	switch {
	case exists && mode == docstore.WriteCreate:
		return docstore.ErrAlreadyExists
	case !exists && mode == docstore.WriteReplace:
		return docstore.ErrNotFound
	}
	if b == nil {
		var err error
		b, err = tx.btx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return docstore.BackendErrf(backendName, err, "create bucket %s", table)
		}
	}
	raw, err := encodeBody(body.WithoutKey(key))
	if err != nil {
		return docstore.BackendErrf(backendName, err, "%s/%v", table, key)
	}
	if err := b.Put(k, raw); err != nil {
		return docstore.BackendErrf(backendName, err, "put %s/%v", table, key)
	}
	return nil
}

func (tx *Tx) Delete(ctx context.Context, table string, key docstore.Key) (bool, error) {
	if err := docstore.CheckContext(ctx); err != nil {
		return false, err
	}
	b := tx.bucket(table)
	if b == nil {
		return false, nil
	}
	k := docstore.EncodeKey(key)
	if b.Get(k) == nil {
		return false, nil
	}
	if err := b.Delete(k); err != nil {
		return false, docstore.BackendErrf(backendName, err, "delete %s/%v", table, key)
	}
	return true, nil
}

func (tx *Tx) Scan(ctx context.Context, table string, cursor docstore.Cursor, pageSize int) (docstore.Page, error) {
	return tx.ScanFiltered(ctx, table, docstore.Cond{}, cursor, pageSize)
}

// ScanFiltered walks the bucket from the key after the cursor. The cursor
// is the last key examined, so filtered pages resume where they stopped.
func (tx *Tx) ScanFiltered(ctx context.Context, table string, cond docstore.Cond, cursor docstore.Cursor, pageSize int) (docstore.Page, error) {
	if err := docstore.CheckContext(ctx); err != nil {
		return docstore.Page{}, err
	}
	b := tx.bucket(table)
	if b == nil {
		return docstore.Page{}, nil
	}

	c := b.Cursor()
	var k, v []byte
	if after, ok := docstore.DecodeNativeCursor(cursor); ok {
		k, v = c.Seek(after)
		if k != nil && bytes.Equal(k, after) {
			k, v = c.Next()
		}
	} else {
		k, v = c.First()
	}

	var page docstore.Page
	var last []byte
	for ; k != nil; k, v = c.Next() {
		if pageSize > 0 && len(page.Items) >= pageSize {
			page.Next = docstore.NativeCursor(last)
			break
		}
		if err := docstore.CheckContext(ctx); err != nil {
			return docstore.Page{}, err
		}
		last = k
		key, err := docstore.DecodeKey(k)
		if err != nil {
			return docstore.Page{}, docstore.BackendErrf(backendName, err, "scan %s", table)
		}
		body, err := decodeBody(v)
		if err != nil {
			return docstore.Page{}, docstore.BackendErrf(backendName, err, "scan %s/%v", table, key)
		}
		doc := body.WithKey(key)
		if cond.Eval(doc) {
			page.Items = append(page.Items, doc)
		}
	}
	return page, nil
}

func (tx *Tx) DropTable(ctx context.Context, table string) error {
	if err := docstore.CheckContext(ctx); err != nil {
		return err
	}
	err := tx.btx.DeleteBucket([]byte(table))
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return docstore.BackendErrf(backendName, err, "drop %s", table)
	}
	return nil
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
