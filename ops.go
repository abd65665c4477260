package docstore

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ReturnValues selects which state of the item a write returns.
type ReturnValues int

const (
	ReturnNone ReturnValues = iota
	ReturnOld
	ReturnNew
)

type WriteOptions struct {
	// Cond must hold on the current item (an empty document if the item is
	// missing) for the write to proceed.
	Cond   Cond
	Return ReturnValues
}

type ScanOptions struct {
	Cursor   Cursor
	PageSize int
	Filter   Cond
}

// Get returns the item or (nil, nil) if it does not exist.
func (db *DB) Get(ctx context.Context, table string, key Key) (Document, error) {
	if err := db.checkRead(ctx, table, key); err != nil {
		return nil, opErr("GET", table, &key, err)
	}
	doc, err := db.be.Get(ctx, table, key)
	if err != nil {
		return nil, opErr("GET", table, &key, Cancelled(err))
	}
	db.trace(ctx, "GET", table, &key, slog.Bool("found", doc != nil))
	return db.finish(doc, key), nil
}

// GetMany returns one entry per key in the same order; missing items are nil.
func (db *DB) GetMany(ctx context.Context, table string, keys []Key) ([]Document, error) {
	for _, key := range keys {
		if err := db.checkRead(ctx, table, key); err != nil {
			return nil, opErr("GETMANY", table, &key, err)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	docs, err := db.be.GetMany(ctx, table, keys)
	if err != nil {
		return nil, opErr("GETMANY", table, nil, Cancelled(err))
	}
	for i, doc := range docs {
		docs[i] = db.finish(doc, keys[i])
	}
	db.trace(ctx, "GETMANY", table, nil, slog.Int("keys", len(keys)))
	return docs, nil
}

func (db *DB) Exists(ctx context.Context, table string, key Key) (bool, error) {
	if err := db.checkRead(ctx, table, key); err != nil {
		return false, opErr("EXISTS", table, &key, err)
	}
	ok, err := db.be.Exists(ctx, table, key)
	if err != nil {
		return false, opErr("EXISTS", table, &key, Cancelled(err))
	}
	return ok, nil
}

// Scan returns one page of the table, optionally filtered.
func (db *DB) Scan(ctx context.Context, table string, opt ScanOptions) (Page, error) {
	if err := CheckContext(ctx); err != nil {
		return Page{}, opErr("SCAN", table, nil, err)
	}
	if table == "" {
		return Page{}, opErr("SCAN", table, nil, validationErrf("empty table name"))
	}
	if err := opt.Filter.Validate(); err != nil {
		return Page{}, opErr("SCAN", table, nil, err)
	}
	if opt.PageSize <= 0 {
		opt.PageSize = defaultPageSize
	}
	var page Page
	var err error
	if opt.Filter.IsEmpty() {
		page, err = db.be.Scan(ctx, table, opt.Cursor, opt.PageSize)
	} else {
		page, err = db.be.ScanFiltered(ctx, table, opt.Filter, opt.Cursor, opt.PageSize)
	}
	if err != nil {
		return Page{}, opErr("SCAN", table, nil, Cancelled(err))
	}
	for i, doc := range page.Items {
		page.Items[i] = db.post.Apply(doc)
	}
	db.trace(ctx, "SCAN", table, nil, slog.Int("items", len(page.Items)), slog.Bool("more", page.Next != ""))
	return page, nil
}

// Put stores doc as the complete new state of the item. Without overwrite,
// an existing item fails the write with ErrAlreadyExists.
func (db *DB) Put(ctx context.Context, table string, key Key, doc Document, overwrite bool, opt WriteOptions) (Document, error) {
	body := NormalizeDocument(doc).WithoutKey(key)
	return db.mutate(ctx, &mutation{
		op: "PUT", table: table, key: key, opt: opt,
		mustBeAbsent: !overwrite,
		apply: func(cur Document) (change, error) {
			return change{body: body.Clone()}, nil
		},
	})
}

// Update merges the top-level attributes of doc into the item, creating it
// if needed.
func (db *DB) Update(ctx context.Context, table string, key Key, doc Document, opt WriteOptions) (Document, error) {
	patch := NormalizeDocument(doc).WithoutKey(key)
	return db.mutate(ctx, &mutation{
		op: "UPDATE", table: table, key: key, opt: opt,
		apply: func(cur Document) (change, error) {
			next := cur.Clone()
			if next == nil {
				next = Document{}
			}
			for k, v := range patch {
				next[k] = cloneAny(v)
			}
			return change{body: next}, nil
		},
	})
}

// Delete removes the item. Deleting a missing item succeeds.
func (db *DB) Delete(ctx context.Context, table string, key Key, opt WriteOptions) (Document, error) {
	return db.mutate(ctx, &mutation{
		op: "DELETE", table: table, key: key, opt: opt,
		skipMissing: true,
		apply: func(cur Document) (change, error) {
			return change{del: true}, nil
		},
	})
}

// AddElementsToArray appends elems to the array at attr, creating the item,
// intermediate documents and the array as needed. All elements must be of
// the same kind.
func (db *DB) AddElementsToArray(ctx context.Context, table string, key Key, attr string, elems []Value, opt WriteOptions) (Document, error) {
	path, err := validateElements(attr, elems)
	if err != nil {
		return nil, opErr("ADD", table, &key, err)
	}
	return db.mutate(ctx, &mutation{
		op: "ADD", table: table, key: key, opt: opt,
		apply: func(cur Document) (change, error) {
			next := cur.Clone()
			if next == nil {
				next = Document{}
			}
			arr, _ := lookupArray(next, path)
			arr = append(arr, valuesToAny(elems)...)
			next.setPath(path, arr)
			return change{body: next}, nil
		},
	})
}

// RemoveElementsFromArray removes every array entry whose canonical string
// equals that of one of elems. Missing items are left alone.
func (db *DB) RemoveElementsFromArray(ctx context.Context, table string, key Key, attr string, elems []Value, opt WriteOptions) (Document, error) {
	path, err := validateElements(attr, elems)
	if err != nil {
		return nil, opErr("REMOVE", table, &key, err)
	}
	drop := make(map[string]bool, len(elems))
	for _, e := range elems {
		drop[e.Canonical()] = true
	}
	return db.mutate(ctx, &mutation{
		op: "REMOVE", table: table, key: key, opt: opt,
		skipMissing: true,
		apply: func(cur Document) (change, error) {
			arr, ok := lookupArray(cur, path)
			if !ok {
				return change{noop: true}, nil
			}
			kept := make([]any, 0, len(arr))
			for _, e := range arr {
				if v, ok := ValueOf(e); ok && drop[v.Canonical()] {
					continue
				}
				kept = append(kept, cloneAny(e))
			}
			if len(kept) == len(arr) {
				return change{noop: true}, nil
			}
			next := cur.Clone()
			next.setPath(path, kept)
			return change{body: next}, nil
		},
	})
}

// IncrementAttribute adds delta to the numeric attribute at attr and returns
// the new value. Missing or non-numeric attributes count as zero; missing
// items are created.
func (db *DB) IncrementAttribute(ctx context.Context, table string, key Key, attr string, delta Value, opt WriteOptions) (Value, error) {
	path, err := ParsePath(attr)
	if err != nil {
		return Value{}, opErr("INCR", table, &key, err)
	}
	if !delta.Kind().IsNumeric() {
		return Value{}, opErr("INCR", table, &key, validationErrf("increment delta must be numeric, got %v", delta.Kind()))
	}

	if db.canIncrementNatively(opt) {
		v, err := db.incrementNatively(ctx, table, key, path, delta)
		if !errors.Is(err, ErrUnsupported) {
			if err != nil {
				return Value{}, opErr("INCR", table, &key, err)
			}
			return v, nil
		}
	}

	var result Value
	opt.Return = ReturnNew
	_, err = db.mutate(ctx, &mutation{
		op: "INCR", table: table, key: key, opt: opt,
		apply: func(cur Document) (change, error) {
			next := cur.Clone()
			if next == nil {
				next = Document{}
			}
			var old Value
			if raw, ok := next.Lookup(path); ok {
				if v, ok := ValueOf(raw); ok && v.Kind().IsNumeric() {
					old = v
				}
			}
			result = addNumbers(old, delta)
			next.setPath(path, result.Interface())
			return change{body: next}, nil
		},
	})
	if err != nil {
		return Value{}, err
	}
	return result, nil
}

// canIncrementNatively reports whether the native increment would observe
// every DB-level feature the generic path provides.
func (db *DB) canIncrementNatively(opt WriteOptions) bool {
	return db.inc != nil && opt.Cond.IsEmpty() && db.locker == nil &&
		db.hooks.SanityCheck == nil && db.hooks.AfterInsert == nil
}

func (db *DB) incrementNatively(ctx context.Context, table string, key Key, path Path, delta Value) (Value, error) {
	if err := db.checkRead(ctx, table, key); err != nil {
		return Value{}, err
	}
	var result Value
	err := db.withRetry(ctx, "INCR", table, func() error {
		v, err := db.inc.Increment(ctx, table, key, path, delta)
		if err != nil {
			return Cancelled(err)
		}
		result = v
		return nil
	})
	if err == nil {
		db.trace(ctx, "INCR.NATIVE", table, &key, slog.String("attr", path.String()), slog.Any("value", result))
	}
	return result, err
}

func addNumbers(a, b Value) Value {
	if !a.IsValid() {
		a = Int(0)
	}
	if a.Kind() == KindInt && b.Kind() == KindInt {
		x, _ := a.AsInt()
		y, _ := b.AsInt()
		if s := x + y; (s > x) == (y > 0) {
			return Int(s)
		}
		// overflow falls through to float
	}
	x, _ := a.Number()
	y, _ := b.Number()
	return Float(x + y)
}

// DropTable deletes the table and all of its items.
func (db *DB) DropTable(ctx context.Context, table string) error {
	if err := CheckContext(ctx); err != nil {
		return opErr("DROP", table, nil, err)
	}
	if table == "" {
		return opErr("DROP", table, nil, validationErrf("empty table name"))
	}
	r, err := db.lockTable(ctx, table)
	if err != nil {
		return opErr("DROP", table, nil, err)
	}
	defer db.unlock(ctx, table, r)

	if err := db.be.DropTable(ctx, table); err != nil {
		return opErr("DROP", table, nil, Cancelled(err))
	}
	db.trace(ctx, "DROP", table, nil)
	if db.hooks.AfterDrop != nil {
		if err := db.hooks.AfterDrop(ctx, table); err != nil {
			return opErr("DROP", table, nil, err)
		}
	}
	return nil
}

func (db *DB) checkRead(ctx context.Context, table string, key Key) error {
	if err := CheckContext(ctx); err != nil {
		return err
	}
	if table == "" {
		return validationErrf("empty table name")
	}
	return key.validate()
}

func validateElements(attr string, elems []Value) (Path, error) {
	path, err := ParsePath(attr)
	if err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, validationErrf("no elements given for %s", attr)
	}
	kind := elems[0].Kind()
	for _, e := range elems {
		if !e.IsValid() {
			return nil, validationErrf("invalid element for %s", attr)
		}
		if e.Kind() != kind {
			return nil, validationErrf("elements for %s mix %v and %v", attr, kind, e.Kind())
		}
	}
	return path, nil
}

func lookupArray(doc Document, path Path) ([]any, bool) {
	raw, ok := doc.Lookup(path)
	if !ok {
		return nil, false
	}
	arr, ok := raw.([]any)
	return arr, ok
}

func valuesToAny(vals []Value) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v.Interface()
	}
	return out
}

type change struct {
	body Document
	del  bool
	noop bool
}

type mutation struct {
	op    string
	table string
	key   Key
	opt   WriteOptions

	// skipMissing makes the operation a successful no-op on missing items.
	skipMissing bool
	// mustBeAbsent fails the operation with ErrAlreadyExists on existing items.
	mustBeAbsent bool

	// apply computes the new state from the current body (nil if missing,
	// key attribute excluded). It must not modify cur.
	apply func(cur Document) (change, error)
}

// mutate runs the read-check-write sequence of m, retrying on contention.
func (db *DB) mutate(ctx context.Context, m *mutation) (Document, error) {
	if err := db.checkRead(ctx, m.table, m.key); err != nil {
		return nil, opErr(m.op, m.table, &m.key, err)
	}
	if err := m.opt.Cond.Validate(); err != nil {
		return nil, opErr(m.op, m.table, &m.key, err)
	}

	r, err := db.lockTable(ctx, m.table)
	if err != nil {
		return nil, opErr(m.op, m.table, &m.key, err)
	}
	defer db.unlock(ctx, m.table, r)

	var old, cur Document
	var outcome string
	err = db.withRetry(ctx, m.op, m.table, func() error {
		return db.atomic(ctx, func(ctx context.Context, be Backend) error {
			var err error
			old, cur, outcome, err = db.attempt(ctx, be, m)
			return err
		})
	})
	if err != nil {
		return nil, opErr(m.op, m.table, &m.key, err)
	}
	db.trace(ctx, m.op+outcome, m.table, &m.key)

	switch m.opt.Return {
	case ReturnOld:
		return db.finish(old, m.key), nil
	case ReturnNew:
		return db.finish(cur, m.key), nil
	default:
		return nil, nil
	}
}

// attempt performs one read-check-write pass. It returns the old and new
// bodies and a log suffix describing the outcome.
func (db *DB) attempt(ctx context.Context, be Backend, m *mutation) (old, cur Document, outcome string, err error) {
	found, version, err := db.read(ctx, be, m)
	if err != nil {
		return nil, nil, "", Cancelled(err)
	}
	if found != nil {
		old = found.WithoutKey(m.key)
	}

	if old == nil && m.skipMissing {
		return nil, nil, ".NOOP", nil
	}
	if old != nil && m.mustBeAbsent {
		return old, old, "", ErrAlreadyExists
	}
	subject := found
	if subject == nil {
		subject = Document{}
	}
	if !m.opt.Cond.Eval(subject) {
		return old, old, "", ErrPreconditionFailed
	}

	ch, err := m.apply(old)
	if err != nil {
		return nil, nil, "", err
	}
	switch {
	case ch.noop:
		return old, old, ".NOOP", nil
	case ch.del:
		if err := db.remove(ctx, be, m, version); err != nil {
			return nil, nil, "", err
		}
		return old, nil, "", nil
	}

	if db.hooks.SanityCheck != nil {
		if err := db.hooks.SanityCheck(m.table, m.key, ch.body.WithKey(m.key)); err != nil {
			if !errors.Is(err, ErrValidation) {
				err = validationErrf("%v", err)
			}
			return nil, nil, "", err
		}
	}

	if err := db.write(ctx, be, m, ch.body, old == nil, version); err != nil {
		return nil, nil, "", err
	}
	if old == nil {
		outcome = ".NEW"
	}
	return old, ch.body, outcome, nil
}

// versioned reports whether mutations rely on per-item versions kept by
// the backend instead of a transaction or a table lock.
func (db *DB) versioned() bool {
	return db.ver != nil && db.tx == nil && db.locker == nil
}

func (db *DB) read(ctx context.Context, be Backend, m *mutation) (Document, int64, error) {
	if db.versioned() {
		return db.ver.GetVersioned(ctx, m.table, m.key)
	}
	doc, err := be.Get(ctx, m.table, m.key)
	return doc, 0, err
}

func (db *DB) remove(ctx context.Context, be Backend, m *mutation, version int64) error {
	if db.versioned() {
		return Cancelled(db.ver.DeleteVersioned(ctx, m.table, m.key, version))
	}
	_, err := be.Delete(ctx, m.table, m.key)
	return Cancelled(err)
}

// write stores body, running the AfterInsert hook alongside the physical
// write when the item is new. Existence races against concurrent writers
// are reported as retriable.
func (db *DB) write(ctx context.Context, be Backend, m *mutation, body Document, isNew bool, version int64) error {
	mode := WriteReplace
	if isNew {
		mode = WriteCreate
	}
	if db.locker != nil || db.tx != nil {
		mode = WriteUpsert
	}
	doWrite := func(ctx context.Context) error {
		if db.versioned() {
			return Cancelled(db.ver.WriteVersioned(ctx, m.table, m.key, body, version))
		}
		err := be.Write(ctx, m.table, m.key, body, mode)
		if mode != WriteUpsert && (errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrNotFound)) {
			return MarkRetriable(err)
		}
		return Cancelled(err)
	}
	if !isNew || db.hooks.AfterInsert == nil {
		return doWrite(ctx)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return doWrite(gctx)
	})
	g.Go(func() error {
		return db.hooks.AfterInsert(gctx, m.table, m.key)
	})
	return g.Wait()
}
