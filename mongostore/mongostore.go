// Package mongostore implements docstore.Backend on MongoDB, one collection
// per table.
package mongostore

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andreyvit/docstore"
)

const backendName = "mongodb"

type Options struct {
	Database         string
	CollectionPrefix string
	Logger           *slog.Logger
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	opt    Options
	owned  bool
	logger *slog.Logger
}

var (
	_ docstore.Backend     = (*Store)(nil)
	_ docstore.Incrementer = (*Store)(nil)
	_ docstore.Versioner   = (*Store)(nil)
)

// Connect dials uri and returns a Store that disconnects on Close.
func Connect(ctx context.Context, uri string, opt Options) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, docstore.BackendErrf(backendName, err, "connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, docstore.BackendErrf(backendName, err, "ping")
	}
	s, err := New(client, opt)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing client. Close leaves the client connected.
func New(client *mongo.Client, opt Options) (*Store, error) {
	if client == nil {
		return nil, docstore.ErrNotInitialized
	}
	if opt.Database == "" {
		opt.Database = "docstore"
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		client: client,
		db:     client.Database(opt.Database),
		opt:    opt,
		logger: opt.Logger,
	}, nil
}

func (s *Store) Name() string { return backendName }

// Database returns the underlying database handle.
func (s *Store) Database() *mongo.Database { return s.db }

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Disconnect(context.Background()); err != nil {
		return docstore.BackendErrf(backendName, err, "disconnect")
	}
	return nil
}

func (s *Store) coll(table string) *mongo.Collection {
	return s.db.Collection(s.opt.CollectionPrefix + table)
}

func idFilter(key docstore.Key) bson.D {
	return bson.D{{Key: idField, Value: docstore.EncodeKey(key)}}
}

func (s *Store) find(ctx context.Context, table string, key docstore.Key) (*record, error) {
	var rec record
	err := s.coll(table).FindOne(ctx, idFilter(key)).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	} else if err != nil {
		return nil, s.wrap(err, "get %s/%v", table, key)
	}
	return &rec, nil
}

func (s *Store) Exists(ctx context.Context, table string, key docstore.Key) (bool, error) {
	n, err := s.coll(table).CountDocuments(ctx, idFilter(key), options.Count().SetLimit(1))
	if err != nil {
		return false, s.wrap(err, "exists %s/%v", table, key)
	}
	return n > 0, nil
}

func (s *Store) Get(ctx context.Context, table string, key docstore.Key) (docstore.Document, error) {
	doc, _, err := s.GetVersioned(ctx, table, key)
	return doc, err
}

func (s *Store) GetVersioned(ctx context.Context, table string, key docstore.Key) (docstore.Document, int64, error) {
	rec, err := s.find(ctx, table, key)
	if err != nil || rec == nil {
		return nil, 0, err
	}
	doc, err := rec.document(key)
	if err != nil {
		return nil, 0, docstore.BackendErrf(backendName, err, "decode %s/%v", table, key)
	}
	return doc, rec.version(), nil
}

func (s *Store) GetMany(ctx context.Context, table string, keys []docstore.Key) ([]docstore.Document, error) {
	ids := make(bson.A, len(keys))
	for i, key := range keys {
		ids[i] = docstore.EncodeKey(key)
	}
	cur, err := s.coll(table).Find(ctx, bson.D{{Key: idField, Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return nil, s.wrap(err, "get many %s", table)
	}
	defer func() { _ = cur.Close(ctx) }()

	found := make(map[string]*record, len(keys))
	for cur.Next(ctx) {
		var rec record
		if err := cur.Decode(&rec); err != nil {
			return nil, docstore.BackendErrf(backendName, err, "decode %s", table)
		}
		found[string(rec.ID)] = &rec
	}
	if err := cur.Err(); err != nil {
		return nil, s.wrap(err, "get many %s", table)
	}

	docs := make([]docstore.Document, len(keys))
	for i, key := range keys {
		rec := found[string(ids[i].([]byte))]
		if rec == nil {
			continue
		}
		doc, err := rec.document(key)
		if err != nil {
			return nil, docstore.BackendErrf(backendName, err, "decode %s/%v", table, key)
		}
		docs[i] = doc
	}
	return docs, nil
}

func (s *Store) Write(ctx context.Context, table string, key docstore.Key, body docstore.Document, mode docstore.WriteMode) error {
	rec, err := newRecord(key, body, 0)
	if err != nil {
		return docstore.BackendErrf(backendName, err, "encode %s/%v", table, key)
	}
	coll := s.coll(table)
	switch mode {
	case docstore.WriteCreate:
		_, err := coll.InsertOne(ctx, rec)
		if mongo.IsDuplicateKeyError(err) {
			return docstore.ErrAlreadyExists
		} else if err != nil {
			return s.wrap(err, "insert %s/%v", table, key)
		}
		return nil
	case docstore.WriteReplace:
		res, err := coll.ReplaceOne(ctx, idFilter(key), rec)
		if err != nil {
			return s.wrap(err, "replace %s/%v", table, key)
		}
		if res.MatchedCount == 0 {
			return docstore.ErrNotFound
		}
		return nil
	default:
		_, err := coll.ReplaceOne(ctx, idFilter(key), rec, options.Replace().SetUpsert(true))
		if err != nil {
			return s.wrap(err, "upsert %s/%v", table, key)
		}
		return nil
	}
}

// versionFilter matches the item only while its version is still expected.
func versionFilter(key docstore.Key, expected int64) bson.D {
	f := idFilter(key)
	if expected < 0 {
		return append(f, bson.E{Key: versionField, Value: bson.D{{Key: "$exists", Value: false}}})
	}
	return append(f, bson.E{Key: versionField, Value: expected})
}

func (s *Store) WriteVersioned(ctx context.Context, table string, key docstore.Key, body docstore.Document, expected int64) error {
	next := expected + 1
	if expected < 0 {
		next = 1
	}
	rec, err := newRecord(key, body, next)
	if err != nil {
		return docstore.BackendErrf(backendName, err, "encode %s/%v", table, key)
	}
	coll := s.coll(table)
	if expected == 0 {
		_, err := coll.InsertOne(ctx, rec)
		if mongo.IsDuplicateKeyError(err) {
			return docstore.MarkRetriable(docstore.ErrVersionConflict)
		} else if err != nil {
			return s.wrap(err, "insert %s/%v", table, key)
		}
		return nil
	}
	res, err := coll.ReplaceOne(ctx, versionFilter(key, expected), rec)
	if err != nil {
		return s.wrap(err, "replace %s/%v", table, key)
	}
	if res.MatchedCount == 0 {
		return docstore.MarkRetriable(docstore.ErrVersionConflict)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table string, key docstore.Key) (bool, error) {
	res, err := s.coll(table).DeleteOne(ctx, idFilter(key))
	if err != nil {
		return false, s.wrap(err, "delete %s/%v", table, key)
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) DeleteVersioned(ctx context.Context, table string, key docstore.Key, expected int64) error {
	if expected == 0 {
		return nil
	}
	res, err := s.coll(table).DeleteOne(ctx, versionFilter(key, expected))
	if err != nil {
		return s.wrap(err, "delete %s/%v", table, key)
	}
	if res.DeletedCount == 0 {
		return docstore.MarkRetriable(docstore.ErrVersionConflict)
	}
	return nil
}

// Increment applies $inc to the body attribute at path, creating the item
// if needed, and bumps the item version so that concurrent versioned
// writers notice the change.
func (s *Store) Increment(ctx context.Context, table string, key docstore.Key, path docstore.Path, delta docstore.Value) (docstore.Value, error) {
	field := bodyField + "." + path.String()
	update := bson.D{
		{Key: "$inc", Value: bson.D{
			{Key: field, Value: delta.Interface()},
			{Key: versionField, Value: int64(1)},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: attrField, Value: key.Attr},
			{Key: keyField, Value: key.Value.Interface()},
		}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var rec record
	err := s.coll(table).FindOneAndUpdate(ctx, idFilter(key), update, opts).Decode(&rec)
	if isUnsupportedUpdate(err) {
		return docstore.Value{}, docstore.ErrUnsupported
	} else if err != nil {
		return docstore.Value{}, s.wrap(err, "increment %s/%v", table, key)
	}
	doc, err := rec.document(key)
	if err != nil {
		return docstore.Value{}, docstore.BackendErrf(backendName, err, "decode %s/%v", table, key)
	}
	raw, _ := doc.Lookup(path)
	v, ok := docstore.ValueOf(raw)
	if !ok || !v.Kind().IsNumeric() {
		return docstore.Value{}, docstore.BackendErrf(backendName, nil, "increment %s/%v returned %T", table, key, raw)
	}
	return v, nil
}

func (s *Store) Scan(ctx context.Context, table string, cursor docstore.Cursor, pageSize int) (docstore.Page, error) {
	return s.ScanFiltered(ctx, table, docstore.Cond{}, cursor, pageSize)
}

// ScanFiltered walks the collection in _id order, evaluating cond
// client-side. The cursor carries the last examined _id.
func (s *Store) ScanFiltered(ctx context.Context, table string, cond docstore.Cond, cursor docstore.Cursor, pageSize int) (docstore.Page, error) {
	filter := bson.D{}
	if last, ok := docstore.DecodeNativeCursor(cursor); ok {
		filter = bson.D{{Key: idField, Value: bson.D{{Key: "$gt", Value: last}}}}
	}
	opts := options.Find().SetSort(bson.D{{Key: idField, Value: 1}})
	if pageSize > 0 {
		opts.SetBatchSize(int32(pageSize + 1))
	}
	cur, err := s.coll(table).Find(ctx, filter, opts)
	if err != nil {
		return docstore.Page{}, s.wrap(err, "scan %s", table)
	}
	defer func() { _ = cur.Close(ctx) }()

	var page docstore.Page
	var lastID []byte
	for cur.Next(ctx) {
		if pageSize > 0 && len(page.Items) >= pageSize {
			page.Next = docstore.NativeCursor(lastID)
			return page, nil
		}
		var rec record
		if err := cur.Decode(&rec); err != nil {
			return docstore.Page{}, docstore.BackendErrf(backendName, err, "decode %s", table)
		}
		lastID = rec.ID
		key, err := docstore.DecodeKey(rec.ID)
		if err != nil {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "mongostore: skipping foreign record",
				slog.String("table", table), slog.Any("err", err))
			continue
		}
		doc, err := rec.document(key)
		if err != nil {
			return docstore.Page{}, docstore.BackendErrf(backendName, err, "decode %s/%v", table, key)
		}
		if cond.Eval(doc) {
			page.Items = append(page.Items, doc)
		}
	}
	if err := cur.Err(); err != nil {
		return docstore.Page{}, s.wrap(err, "scan %s", table)
	}
	return page, nil
}

func (s *Store) DropTable(ctx context.Context, table string) error {
	if err := s.coll(table).Drop(ctx); err != nil {
		return s.wrap(err, "drop %s", table)
	}
	return nil
}

// Transactional returns a view of s that runs DB mutations inside
// multi-document transactions. It requires a replica set or sharded
// cluster.
func (s *Store) Transactional() *TxStore {
	return &TxStore{Store: s}
}

// TxStore is a Store that implements docstore.Transactor.
type TxStore struct {
	*Store
}

var _ docstore.Transactor = (*TxStore)(nil)

func (s *TxStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx docstore.Backend) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return s.wrap(err, "start session")
	}
	defer sess.EndSession(context.Background())

	var fnErr error
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		fnErr = fn(sc, s.Store)
		return nil, fnErr
	})
	if err != nil && errors.Is(err, fnErr) {
		return fnErr
	}
	return s.wrap(err, "transaction")
}
