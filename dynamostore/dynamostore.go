// Package dynamostore implements docstore.Backend on Amazon DynamoDB.
//
// Each docstore table maps to a DynamoDB table whose partition key is the
// item's key attribute. Conditional writes and deletes use a hidden
// version attribute, so read-check-write sequences are atomic per item
// without external locks.
package dynamostore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/andreyvit/docstore"
)

const backendName = "dynamodb"

// batchGetLimit is the maximum number of keys per BatchGetItem request.
const batchGetLimit = 100

// API is the subset of *dynamodb.Client used by Store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

type Options struct {
	// TablePrefix is prepended to every table name.
	TablePrefix string
	// EventuallyConsistent disables strongly consistent reads.
	EventuallyConsistent bool
	// AutoCreateTables creates missing tables on first write, keyed by the
	// written key's attribute, with on-demand billing.
	AutoCreateTables bool
	// TableWait bounds waiting for table creation and deletion.
	TableWait time.Duration
	Logger    *slog.Logger
}

type Store struct {
	api    API
	opt    Options
	logger *slog.Logger
}

var (
	_ docstore.Backend     = (*Store)(nil)
	_ docstore.Incrementer = (*Store)(nil)
	_ docstore.Versioner   = (*Store)(nil)
)

func New(api API, opt Options) (*Store, error) {
	if api == nil {
		return nil, docstore.ErrNotInitialized
	}
	if opt.TableWait <= 0 {
		opt.TableWait = 2 * time.Minute
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{api: api, opt: opt, logger: opt.Logger}, nil
}

func (s *Store) Name() string { return backendName }
func (s *Store) Close() error { return nil }

func (s *Store) tableName(table string) *string {
	return aws.String(s.opt.TablePrefix + table)
}

func (s *Store) getItem(ctx context.Context, table string, key docstore.Key) (map[string]types.AttributeValue, error) {
	k, err := keyItem(key)
	if err != nil {
		return nil, err
	}
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.tableName(table),
		Key:            k,
		ConsistentRead: aws.Bool(!s.opt.EventuallyConsistent),
	})
	if isTableMissing(err) {
		return nil, nil
	} else if err != nil {
		return nil, s.wrap(err, "get %s/%v", table, key)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (s *Store) Exists(ctx context.Context, table string, key docstore.Key) (bool, error) {
	item, err := s.getItem(ctx, table, key)
	return item != nil, err
}

func (s *Store) Get(ctx context.Context, table string, key docstore.Key) (docstore.Document, error) {
	doc, _, err := s.GetVersioned(ctx, table, key)
	return doc, err
}

func (s *Store) GetVersioned(ctx context.Context, table string, key docstore.Key) (docstore.Document, int64, error) {
	item, err := s.getItem(ctx, table, key)
	if err != nil || item == nil {
		return nil, 0, err
	}
	doc, err := unmarshalItem(item)
	if err != nil {
		return nil, 0, s.wrap(err, "decode %s/%v", table, key)
	}
	return doc.WithKey(key), itemVersion(item), nil
}

func (s *Store) GetMany(ctx context.Context, table string, keys []docstore.Key) ([]docstore.Document, error) {
	docs := make([]docstore.Document, len(keys))
	for start := 0; start < len(keys); start += batchGetLimit {
		end := min(start+batchGetLimit, len(keys))
		if err := s.batchGet(ctx, table, keys[start:end], docs[start:end]); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (s *Store) batchGet(ctx context.Context, table string, keys []docstore.Key, docs []docstore.Document) error {
	var pending []map[string]types.AttributeValue
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		k, err := keyItem(key)
		if err != nil {
			return err
		}
		// BatchGetItem rejects duplicate keys.
		if id := string(docstore.EncodeKey(key)); !seen[id] {
			seen[id] = true
			pending = append(pending, k)
		}
	}

	name := s.tableName(table)
	for len(pending) > 0 {
		out, err := s.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				*name: {Keys: pending, ConsistentRead: aws.Bool(!s.opt.EventuallyConsistent)},
			},
		})
		if isTableMissing(err) {
			return nil
		} else if err != nil {
			return s.wrap(err, "batch get %s", table)
		}
		for _, item := range out.Responses[*name] {
			doc, err := unmarshalItem(item)
			if err != nil {
				return s.wrap(err, "decode %s", table)
			}
			for i, key := range keys {
				if docs[i] == nil && matchesKey(doc, key) {
					docs[i] = doc.WithKey(key)
				}
			}
		}
		pending = nil
		if un, ok := out.UnprocessedKeys[*name]; ok {
			pending = un.Keys
		}
		if err := docstore.CheckContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

func matchesKey(doc docstore.Document, key docstore.Key) bool {
	v, ok := docstore.ValueOf(doc[key.Attr])
	if !ok {
		return false
	}
	if v.Kind().IsNumeric() && key.Value.Kind().IsNumeric() {
		return v.Compare(key.Value) == 0
	}
	return v.Equal(key.Value)
}

func (s *Store) Write(ctx context.Context, table string, key docstore.Key, body docstore.Document, mode docstore.WriteMode) error {
	var cond string
	switch mode {
	case docstore.WriteCreate:
		cond = "attribute_not_exists(#k)"
	case docstore.WriteReplace:
		cond = "attribute_exists(#k)"
	}
	err := s.put(ctx, table, key, body, cond, nil, -1)
	if isConditionFailed(err) {
		if mode == docstore.WriteCreate {
			return docstore.ErrAlreadyExists
		}
		return docstore.ErrNotFound
	}
	return err
}

func (s *Store) WriteVersioned(ctx context.Context, table string, key docstore.Key, body docstore.Document, expected int64) error {
	cond, values := versionCondition(expected)
	next := expected + 1
	if expected < 0 {
		next = 1
	}
	err := s.put(ctx, table, key, body, cond, values, next)
	if isConditionFailed(err) {
		return docstore.MarkRetriable(docstore.ErrVersionConflict)
	}
	return err
}

func versionCondition(expected int64) (string, map[string]types.AttributeValue) {
	switch {
	case expected == 0:
		return "attribute_not_exists(#k)", nil
	case expected < 0:
		return "attribute_exists(#k) AND attribute_not_exists(#ver)", nil
	default:
		return "attribute_exists(#k) AND #ver = :ver", map[string]types.AttributeValue{
			":ver": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		}
	}
}

func (s *Store) put(ctx context.Context, table string, key docstore.Key, body docstore.Document, cond string, values map[string]types.AttributeValue, version int64) error {
	if _, err := keyItem(key); err != nil {
		return err
	}
	item, err := marshalItem(body.WithKey(key))
	if err != nil {
		return docstore.BackendErrf(backendName, err, "encode %s/%v", table, key)
	}
	if version > 0 {
		item[versionAttr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)}
	}
	in := &dynamodb.PutItemInput{
		TableName: s.tableName(table),
		Item:      item,
	}
	if cond != "" {
		in.ConditionExpression = aws.String(cond)
		in.ExpressionAttributeNames = conditionNames(cond, key)
		in.ExpressionAttributeValues = values
	}
	_, err = s.api.PutItem(ctx, in)
	if isTableMissing(err) && s.opt.AutoCreateTables {
		if err := s.createTable(ctx, table, key); err != nil {
			return err
		}
		_, err = s.api.PutItem(ctx, in)
	}
	if err != nil && !isConditionFailed(err) {
		return s.wrap(err, "put %s/%v", table, key)
	}
	return err
}

func conditionNames(cond string, key docstore.Key) map[string]string {
	names := map[string]string{"#k": key.Attr}
	if strings.Contains(cond, "#ver") {
		names["#ver"] = versionAttr
	}
	return names
}

func (s *Store) Delete(ctx context.Context, table string, key docstore.Key) (bool, error) {
	return s.delete(ctx, table, key, "", nil)
}

func (s *Store) DeleteVersioned(ctx context.Context, table string, key docstore.Key, expected int64) error {
	if expected == 0 {
		return nil
	}
	cond, values := versionCondition(expected)
	_, err := s.delete(ctx, table, key, cond, values)
	if isConditionFailed(err) {
		return docstore.MarkRetriable(docstore.ErrVersionConflict)
	}
	return err
}

func (s *Store) delete(ctx context.Context, table string, key docstore.Key, cond string, values map[string]types.AttributeValue) (bool, error) {
	k, err := keyItem(key)
	if err != nil {
		return false, err
	}
	in := &dynamodb.DeleteItemInput{
		TableName:    s.tableName(table),
		Key:          k,
		ReturnValues: types.ReturnValueAllOld,
	}
	if cond != "" {
		in.ConditionExpression = aws.String(cond)
		in.ExpressionAttributeNames = conditionNames(cond, key)
		in.ExpressionAttributeValues = values
	}
	out, err := s.api.DeleteItem(ctx, in)
	if isTableMissing(err) {
		return false, nil
	} else if isConditionFailed(err) {
		return false, err
	} else if err != nil {
		return false, s.wrap(err, "delete %s/%v", table, key)
	}
	return len(out.Attributes) > 0, nil
}

// Increment uses ADD on top-level attributes and bumps the item version in
// the same update, so versioned writers that read the item earlier fail
// their condition. Nested paths and non-numeric current values are left
// to the generic implementation.
func (s *Store) Increment(ctx context.Context, table string, key docstore.Key, path docstore.Path, delta docstore.Value) (docstore.Value, error) {
	if path.IsNested() {
		return docstore.Value{}, docstore.ErrUnsupported
	}
	k, err := keyItem(key)
	if err != nil {
		return docstore.Value{}, err
	}
	d, err := marshalScalar(delta)
	if err != nil {
		return docstore.Value{}, docstore.ErrUnsupported
	}
	in := &dynamodb.UpdateItemInput{
		TableName:                 s.tableName(table),
		Key:                       k,
		UpdateExpression:          aws.String("ADD #a :d, #ver :one"),
		ExpressionAttributeNames:  map[string]string{"#a": path[0], "#ver": versionAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":d": d, ":one": &types.AttributeValueMemberN{Value: "1"}},
		ReturnValues:              types.ReturnValueUpdatedNew,
	}
	out, err := s.api.UpdateItem(ctx, in)
	if isTableMissing(err) && s.opt.AutoCreateTables {
		if err := s.createTable(ctx, table, key); err != nil {
			return docstore.Value{}, err
		}
		out, err = s.api.UpdateItem(ctx, in)
	}
	if isValidationError(err) {
		return docstore.Value{}, docstore.ErrUnsupported
	} else if err != nil {
		return docstore.Value{}, s.wrap(err, "increment %s/%v", table, key)
	}
	raw, err := unmarshalValue(out.Attributes[path[0]])
	if err != nil {
		return docstore.Value{}, s.wrap(err, "increment %s/%v", table, key)
	}
	v, ok := docstore.ValueOf(raw)
	if !ok {
		return docstore.Value{}, docstore.BackendErrf(backendName, nil, "increment %s/%v returned %T", table, key, raw)
	}
	return v, nil
}

func (s *Store) Scan(ctx context.Context, table string, cursor docstore.Cursor, pageSize int) (docstore.Page, error) {
	return s.ScanFiltered(ctx, table, docstore.Cond{}, cursor, pageSize)
}

// ScanFiltered pushes a superset of cond down as a FilterExpression and
// re-checks every returned item client-side. Each request is limited to
// the number of items still missing from the page, so the native cursor
// never skips unreturned items.
func (s *Store) ScanFiltered(ctx context.Context, table string, cond docstore.Cond, cursor docstore.Cursor, pageSize int) (docstore.Page, error) {
	var startKey map[string]types.AttributeValue
	if raw, ok := docstore.DecodeNativeCursor(cursor); ok {
		var entries []cursorEntry
		if json.Unmarshal(raw, &entries) == nil {
			startKey, _ = decodeStartKey(entries)
		}
	}
	filter := buildFilter(cond)

	var page docstore.Page
	for {
		in := &dynamodb.ScanInput{
			TableName:         s.tableName(table),
			ExclusiveStartKey: startKey,
			ConsistentRead:    aws.Bool(!s.opt.EventuallyConsistent),
		}
		if pageSize > 0 {
			in.Limit = aws.Int32(int32(pageSize - len(page.Items)))
		}
		if filter.expr != "" {
			in.FilterExpression = aws.String(filter.expr)
			in.ExpressionAttributeNames = filter.names
			if len(filter.values) > 0 {
				in.ExpressionAttributeValues = filter.values
			}
		}
		out, err := s.api.Scan(ctx, in)
		if isTableMissing(err) {
			return docstore.Page{}, nil
		} else if err != nil {
			return docstore.Page{}, s.wrap(err, "scan %s", table)
		}
		for _, item := range out.Items {
			doc, err := unmarshalItem(item)
			if err != nil {
				return docstore.Page{}, s.wrap(err, "decode %s", table)
			}
			if cond.Eval(doc) {
				page.Items = append(page.Items, doc)
			}
		}
		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return page, nil
		}
		if pageSize > 0 && len(page.Items) >= pageSize {
			break
		}
		if err := docstore.CheckContext(ctx); err != nil {
			return docstore.Page{}, err
		}
	}

	entries, err := encodeStartKey(startKey)
	if err != nil {
		return docstore.Page{}, docstore.BackendErrf(backendName, err, "scan %s", table)
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return docstore.Page{}, docstore.BackendErrf(backendName, err, "scan %s", table)
	}
	page.Next = docstore.NativeCursor(raw)
	return page, nil
}

func (s *Store) DropTable(ctx context.Context, table string) error {
	name := s.tableName(table)
	_, err := s.api.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: name})
	if isTableMissing(err) {
		return nil
	} else if err != nil {
		return s.wrap(err, "drop %s", table)
	}
	if s.opt.AutoCreateTables {
		w := dynamodb.NewTableNotExistsWaiter(s.api)
		if err := w.Wait(ctx, &dynamodb.DescribeTableInput{TableName: name}, s.opt.TableWait); err != nil {
			return s.wrap(err, "drop %s: waiting for deletion", table)
		}
	}
	return nil
}

func (s *Store) createTable(ctx context.Context, table string, key docstore.Key) error {
	name := s.tableName(table)
	s.logger.LogAttrs(ctx, slog.LevelInfo, "dynamostore: creating table",
		slog.String("table", *name), slog.String("key", key.Attr))
	_, err := s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: name,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(key.Attr), AttributeType: scalarType(key.Value)},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(key.Attr), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return s.wrap(err, "create table %s", table)
	}
	w := dynamodb.NewTableExistsWaiter(s.api)
	if err := w.Wait(ctx, &dynamodb.DescribeTableInput{TableName: name}, s.opt.TableWait); err != nil {
		return s.wrap(err, "create table %s: waiting", table)
	}
	return nil
}
