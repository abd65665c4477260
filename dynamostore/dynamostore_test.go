package dynamostore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/andreyvit/docstore"
)

var ctx = context.Background()

func setup(t testing.TB, opt Options) (*Store, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	api.addTable(opt.TablePrefix+"users", "id")
	s, err := New(api, opt)
	if err != nil {
		t.Fatal(err)
	}
	return s, api
}

func TestNewNil(t *testing.T) {
	if _, err := New(nil, Options{}); !errors.Is(err, docstore.ErrNotInitialized) {
		t.Errorf("New(nil) = %v", err)
	}
}

func TestWriteModes(t *testing.T) {
	s, api := setup(t, Options{TablePrefix: "test_"})
	key := docstore.K("id", "u1")

	if err := s.Write(ctx, "users", key, docstore.Document{"n": int64(1)}, docstore.WriteReplace); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("Replace of missing item = %v, wanted ErrNotFound", err)
	}
	if err := s.Write(ctx, "users", key, docstore.Document{"n": int64(1)}, docstore.WriteCreate); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, "users", key, docstore.Document{"n": int64(2)}, docstore.WriteCreate); !errors.Is(err, docstore.ErrAlreadyExists) {
		t.Errorf("Create of existing item = %v, wanted ErrAlreadyExists", err)
	}
	if err := s.Write(ctx, "users", key, docstore.Document{"n": int64(3)}, docstore.WriteReplace); err != nil {
		t.Fatal(err)
	}

	raw := api.rawItem("test_users", key)
	if _, ok := raw[versionAttr]; ok {
		t.Errorf("plain write stored a version: %v", raw)
	}
	doc, err := s.Get(ctx, "users", key)
	if err != nil {
		t.Fatal(err)
	}
	if doc["n"] != int64(3) || doc["id"] != "u1" {
		t.Errorf("Get = %v", doc)
	}
}

func TestVersionedWrites(t *testing.T) {
	s, api := setup(t, Options{})
	key := docstore.K("id", 7)

	if err := s.WriteVersioned(ctx, "users", key, docstore.Document{"v": "a"}, 0); err != nil {
		t.Fatal(err)
	}
	doc, ver, err := s.GetVersioned(ctx, "users", key)
	if err != nil {
		t.Fatal(err)
	}
	if ver != 1 || doc["v"] != "a" {
		t.Fatalf("GetVersioned = (%v, %d)", doc, ver)
	}
	if _, ok := doc[versionAttr]; ok {
		t.Errorf("version leaked into the document: %v", doc)
	}

	err = s.WriteVersioned(ctx, "users", key, docstore.Document{"v": "b"}, 0)
	if !errors.Is(err, docstore.ErrVersionConflict) || !docstore.IsRetriable(err) {
		t.Errorf("create over existing item = %v, wanted retriable ErrVersionConflict", err)
	}
	if err := s.WriteVersioned(ctx, "users", key, docstore.Document{"v": "b"}, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteVersioned(ctx, "users", key, docstore.Document{"v": "c"}, 1); !errors.Is(err, docstore.ErrVersionConflict) {
		t.Errorf("stale write = %v, wanted ErrVersionConflict", err)
	}
	if err := s.DeleteVersioned(ctx, "users", key, 1); !errors.Is(err, docstore.ErrVersionConflict) {
		t.Errorf("stale delete = %v, wanted ErrVersionConflict", err)
	}
	if err := s.DeleteVersioned(ctx, "users", key, 2); err != nil {
		t.Fatal(err)
	}
	if raw := api.rawItem("users", key); raw != nil {
		t.Errorf("item survived delete: %v", raw)
	}
}

func TestVersionedUnversionedItem(t *testing.T) {
	s, _ := setup(t, Options{})
	key := docstore.K("id", "legacy")
	if err := s.Write(ctx, "users", key, docstore.Document{"n": int64(1)}, docstore.WriteUpsert); err != nil {
		t.Fatal(err)
	}
	_, ver, err := s.GetVersioned(ctx, "users", key)
	if err != nil || ver != -1 {
		t.Fatalf("GetVersioned = (%d, %v), wanted -1", ver, err)
	}
	if err := s.WriteVersioned(ctx, "users", key, docstore.Document{"n": int64(2)}, -1); err != nil {
		t.Fatal(err)
	}
	if _, ver, _ := s.GetVersioned(ctx, "users", key); ver != 1 {
		t.Errorf("version after first versioned write = %d, wanted 1", ver)
	}
	if err := s.WriteVersioned(ctx, "users", key, docstore.Document{"n": int64(3)}, -1); !errors.Is(err, docstore.ErrVersionConflict) {
		t.Errorf("second unversioned write = %v, wanted ErrVersionConflict", err)
	}
}

func TestMissingTable(t *testing.T) {
	s, _ := setup(t, Options{})
	key := docstore.K("id", 1)
	if doc, err := s.Get(ctx, "nope", key); doc != nil || err != nil {
		t.Errorf("Get = (%v, %v)", doc, err)
	}
	if existed, err := s.Delete(ctx, "nope", key); existed || err != nil {
		t.Errorf("Delete = (%v, %v)", existed, err)
	}
	if page, err := s.Scan(ctx, "nope", "", 10); err != nil || len(page.Items) != 0 {
		t.Errorf("Scan = (%v, %v)", page, err)
	}
	if err := s.DropTable(ctx, "nope"); err != nil {
		t.Errorf("DropTable = %v", err)
	}
	err := s.Write(ctx, "nope", key, docstore.Document{}, docstore.WriteUpsert)
	if !errors.Is(err, docstore.ErrBackend) {
		t.Errorf("Write without AutoCreateTables = %v, wanted ErrBackend", err)
	}
}

func TestAutoCreateTables(t *testing.T) {
	s, api := setup(t, Options{AutoCreateTables: true})
	key := docstore.K("n", 5)
	if err := s.Write(ctx, "counters", key, docstore.Document{"x": "y"}, docstore.WriteCreate); err != nil {
		t.Fatal(err)
	}
	if api.calls["CreateTable"] != 1 {
		t.Errorf("CreateTable calls = %d, wanted 1", api.calls["CreateTable"])
	}
	if tbl := api.tables["counters"]; tbl == nil || tbl.keyAttr != "n" {
		t.Fatalf("table = %#v", tbl)
	}
	doc, err := s.Get(ctx, "counters", key)
	if err != nil || doc["x"] != "y" {
		t.Errorf("Get = (%v, %v)", doc, err)
	}

	if err := s.DropTable(ctx, "counters"); err != nil {
		t.Fatal(err)
	}
	if api.tables["counters"] != nil {
		t.Errorf("table not dropped")
	}
}

func TestGetMany(t *testing.T) {
	s, api := setup(t, Options{})
	api.batchLimit = 2
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.Write(ctx, "users", docstore.K("id", id), docstore.Document{"name": id}, docstore.WriteUpsert); err != nil {
			t.Fatal(err)
		}
	}
	keys := []docstore.Key{
		docstore.K("id", "d"), docstore.K("id", "x"), docstore.K("id", "a"),
		docstore.K("id", "b"), docstore.K("id", "a"), docstore.K("id", "c"),
	}
	docs, err := s.GetMany(ctx, "users", keys)
	if err != nil {
		t.Fatal(err)
	}
	expected := []any{"d", nil, "a", "b", "a", "c"}
	for i, doc := range docs {
		var name any
		if doc != nil {
			name = doc["name"]
		}
		if name != expected[i] {
			t.Errorf("docs[%d] = %v, wanted name %v", i, doc, expected[i])
		}
	}
	if api.calls["BatchGetItem"] < 2 {
		t.Errorf("unprocessed keys were not retried")
	}
}

func TestIncrement(t *testing.T) {
	s, _ := setup(t, Options{})
	key := docstore.K("id", "c")
	v, err := s.Increment(ctx, "users", key, docstore.Path{"hits"}, docstore.Int(2))
	if err != nil {
		t.Fatal(err)
	}
	if v != docstore.Int(2) {
		t.Errorf("first Increment = %v", v)
	}
	v, err = s.Increment(ctx, "users", key, docstore.Path{"hits"}, docstore.Int(3))
	if err != nil || v != docstore.Int(5) {
		t.Errorf("second Increment = (%v, %v)", v, err)
	}

	if _, err := s.Increment(ctx, "users", key, docstore.Path{"a", "b"}, docstore.Int(1)); !errors.Is(err, docstore.ErrUnsupported) {
		t.Errorf("nested Increment = %v, wanted ErrUnsupported", err)
	}
	s.Write(ctx, "users", key, docstore.Document{"hits": "many"}, docstore.WriteUpsert)
	if _, err := s.Increment(ctx, "users", key, docstore.Path{"hits"}, docstore.Int(1)); !errors.Is(err, docstore.ErrUnsupported) {
		t.Errorf("Increment of a string = %v, wanted ErrUnsupported", err)
	}
}

func TestScanFiltered(t *testing.T) {
	s, api := setup(t, Options{})
	for i := 1; i <= 9; i++ {
		body := docstore.Document{"score": int64(i)}
		if i%3 == 0 {
			body["vip"] = true
		}
		if err := s.Write(ctx, "users", docstore.K("id", i), body, docstore.WriteUpsert); err != nil {
			t.Fatal(err)
		}
	}
	cond := docstore.And(docstore.Equals("vip", docstore.Bool(true)), docstore.Greater("score", docstore.Int(1)))

	var scores []any
	var cursor docstore.Cursor
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatal("pagination does not terminate")
		}
		page, err := s.ScanFiltered(ctx, "users", cond, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) > 2 {
			t.Fatalf("page has %d items", len(page.Items))
		}
		for _, d := range page.Items {
			scores = append(scores, d["score"])
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}
	if len(scores) != 3 || scores[0] != int64(3) || scores[1] != int64(6) || scores[2] != int64(9) {
		t.Errorf("scores = %v, wanted [3 6 9]", scores)
	}

	in := api.scans[0]
	if in.FilterExpression == nil || *in.FilterExpression != "(#n0 = :v0 AND attribute_exists(#n1))" {
		t.Errorf("FilterExpression = %v", in.FilterExpression)
	}
	if in.Limit == nil || *in.Limit != 2 {
		t.Errorf("Limit = %v", in.Limit)
	}
}

func TestScanGarbageCursor(t *testing.T) {
	s, _ := setup(t, Options{})
	s.Write(ctx, "users", docstore.K("id", 1), docstore.Document{}, docstore.WriteUpsert)
	page, err := s.Scan(ctx, "users", "garbage", 10)
	if err != nil || len(page.Items) != 1 {
		t.Errorf("Scan = (%v, %v)", page, err)
	}
}

func TestRetriableErrors(t *testing.T) {
	s, api := setup(t, Options{})
	api.inject("GetItem", apiError("ThrottlingException"))
	_, err := s.Get(ctx, "users", docstore.K("id", 1))
	if !docstore.IsRetriable(err) {
		t.Errorf("throttling = %v, wanted retriable", err)
	}
	api.inject("GetItem", apiError("AccessDeniedException"))
	_, err = s.Get(ctx, "users", docstore.K("id", 1))
	if docstore.IsRetriable(err) || !errors.Is(err, docstore.ErrBackend) {
		t.Errorf("access denied = %v, wanted a non-retriable backend error", err)
	}
	api.inject("GetItem", context.DeadlineExceeded)
	_, err = s.Get(ctx, "users", docstore.K("id", 1))
	if !errors.Is(err, docstore.ErrCancelled) {
		t.Errorf("deadline = %v, wanted ErrCancelled", err)
	}
}

func TestDBUsesVersions(t *testing.T) {
	s, api := setup(t, Options{})
	db, err := docstore.Open(s, docstore.Options{RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	key := docstore.K("id", "u1")
	if _, err := db.Put(ctx, "users", key, docstore.Document{"n": int64(1)}, false, docstore.WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	// A concurrent writer sneaks in before the first attempt's write.
	var sneaked int32
	api.beforePut = func(in *dynamodb.PutItemInput) {
		if atomic.CompareAndSwapInt32(&sneaked, 0, 1) {
			api.mu.Lock()
			raw := api.tables["users"].items[string(docstore.EncodeKey(docstore.Key{Value: docstore.String("u1")}))]
			raw["n"] = &types.AttributeValueMemberN{Value: "100"}
			raw[versionAttr] = &types.AttributeValueMemberN{Value: "2"}
			api.mu.Unlock()
		}
	}
	doc, err := db.Update(ctx, "users", key, docstore.Document{"m": int64(5)}, docstore.WriteOptions{Return: docstore.ReturnNew})
	if err != nil {
		t.Fatal(err)
	}
	if doc["n"] != int64(100) || doc["m"] != int64(5) {
		t.Errorf("Update = %v, wanted the concurrent write preserved", doc)
	}
	if _, ver, _ := s.GetVersioned(ctx, "users", key); ver != 3 {
		t.Errorf("version = %d, wanted 3", ver)
	}
}

func TestDBIncrementBumpsVersion(t *testing.T) {
	s, api := setup(t, Options{})
	db, err := docstore.Open(s, docstore.Options{RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	key := docstore.K("id", "u1")
	if _, err := db.Put(ctx, "users", key, docstore.Document{"n": int64(1)}, false, docstore.WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	var fired int32
	api.beforePut = func(in *dynamodb.PutItemInput) {
		if atomic.CompareAndSwapInt32(&fired, 0, 1) {
			if _, err := db.IncrementAttribute(ctx, "users", key, "hits", docstore.Int(5), docstore.WriteOptions{}); err != nil {
				t.Errorf("IncrementAttribute: %v", err)
			}
		}
	}
	if _, err := db.Update(ctx, "users", key, docstore.Document{"m": int64(7)}, docstore.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	doc, ver, err := s.GetVersioned(ctx, "users", key)
	if err != nil {
		t.Fatal(err)
	}
	if a, e := doc["hits"], any(int64(5)); a != e {
		t.Errorf("** got hits=%v, wanted %v", a, e)
	}
	if a, e := doc["m"], any(int64(7)); a != e {
		t.Errorf("** got m=%v, wanted %v", a, e)
	}
	if ver != 3 {
		t.Errorf("** got version %d, wanted 3", ver)
	}
}

func TestIncrementVersionsUnversionedItem(t *testing.T) {
	s, _ := setup(t, Options{})
	key := docstore.K("id", "c")
	if err := s.Write(ctx, "users", key, docstore.Document{"hits": int64(1)}, docstore.WriteUpsert); err != nil {
		t.Fatal(err)
	}
	if _, ver, _ := s.GetVersioned(ctx, "users", key); ver != -1 {
		t.Fatalf("** got version %d, wanted -1", ver)
	}
	if _, err := s.Increment(ctx, "users", key, docstore.Path{"hits"}, docstore.Int(1)); err != nil {
		t.Fatal(err)
	}
	if _, ver, _ := s.GetVersioned(ctx, "users", key); ver != 1 {
		t.Errorf("** got version %d, wanted 1", ver)
	}
	if err := s.WriteVersioned(ctx, "users", key, docstore.Document{}, -1); !errors.Is(err, docstore.ErrVersionConflict) {
		t.Errorf("** got %v, wanted ErrVersionConflict", err)
	}
}

func TestDBContentionExhausted(t *testing.T) {
	s, api := setup(t, Options{})
	db, err := docstore.Open(s, docstore.Options{RetryAttempts: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		api.inject("PutItem", apiError("TransactionConflictException"))
	}
	_, err = db.Put(ctx, "users", docstore.K("id", "x"), docstore.Document{}, true, docstore.WriteOptions{})
	if !errors.Is(err, docstore.ErrContention) {
		t.Errorf("Put = %v, wanted ErrContention", err)
	}
	if api.calls["PutItem"] != 3 {
		t.Errorf("PutItem calls = %d, wanted 3", api.calls["PutItem"])
	}
}
