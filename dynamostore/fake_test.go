package dynamostore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/andreyvit/docstore"
)

// fakeAPI is an in-memory stand-in for DynamoDB that understands the
// condition and update expressions Store generates.
type fakeAPI struct {
	mu     sync.Mutex
	tables map[string]*fakeTable

	// batchLimit caps keys processed per BatchGetItem call; the rest are
	// returned as unprocessed.
	batchLimit int
	// faults are returned, once each, by the named operation.
	faults map[string][]error
	// beforePut runs before every PutItem with the lock released.
	beforePut func(in *dynamodb.PutItemInput)

	scans []*dynamodb.ScanInput
	calls map[string]int
}

type fakeTable struct {
	keyAttr string
	items   map[string]map[string]types.AttributeValue
}

var _ API = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		tables: make(map[string]*fakeTable),
		faults: make(map[string][]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeAPI) addTable(name, keyAttr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &fakeTable{keyAttr: keyAttr, items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeAPI) inject(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], err)
}

func (f *fakeAPI) enter(op string) error {
	f.calls[op]++
	if errs := f.faults[op]; len(errs) > 0 {
		f.faults[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *fakeAPI) rawItem(table string, key docstore.Key) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[table]
	if t == nil {
		return nil
	}
	return t.items[string(docstore.EncodeKey(docstore.Key{Value: key.Value}))]
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func tableMissing() error {
	return &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
}

func keyID(av types.AttributeValue) (string, error) {
	raw, err := unmarshalValue(av)
	if err != nil {
		return "", err
	}
	v, ok := docstore.ValueOf(raw)
	if !ok {
		return "", fmt.Errorf("bad key value %T", raw)
	}
	return string(docstore.EncodeKey(docstore.Key{Value: v})), nil
}

func (t *fakeTable) id(item map[string]types.AttributeValue) (string, error) {
	av, ok := item[t.keyAttr]
	if !ok {
		return "", apiError("ValidationException")
	}
	return keyID(av)
}

func (f *fakeAPI) table(name *string) (*fakeTable, error) {
	t := f.tables[aws.ToString(name)]
	if t == nil {
		return nil, tableMissing()
	}
	return t, nil
}

// checkCondition evaluates the small set of condition expressions Store
// uses: terms joined with AND, each attribute_exists(#x),
// attribute_not_exists(#x) or #x = :y.
func checkCondition(cond *string, names map[string]string, values map[string]types.AttributeValue, cur map[string]types.AttributeValue) error {
	if cond == nil {
		return nil
	}
	expr := *cond
	for alias := range names {
		if !strings.Contains(expr, alias) {
			return apiError("ValidationException")
		}
	}
	for alias := range values {
		if !strings.Contains(expr, alias) {
			return apiError("ValidationException")
		}
	}
	for _, term := range strings.Split(expr, " AND ") {
		var ok bool
		switch {
		case strings.HasPrefix(term, "attribute_exists("):
			_, ok = cur[names[strings.TrimSuffix(strings.TrimPrefix(term, "attribute_exists("), ")")]]
		case strings.HasPrefix(term, "attribute_not_exists("):
			_, found := cur[names[strings.TrimSuffix(strings.TrimPrefix(term, "attribute_not_exists("), ")")]]
			ok = !found
		default:
			l, r, found := strings.Cut(term, " = ")
			if !found {
				return apiError("ValidationException")
			}
			a, _ := cur[names[l]].(*types.AttributeValueMemberN)
			b, _ := values[r].(*types.AttributeValueMemberN)
			ok = a != nil && b != nil && a.Value == b.Value
		}
		if !ok {
			return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	return nil
}

func (f *fakeAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	id, err := t.id(in.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: t.items[id]}, nil
}

func (f *fakeAPI) BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("BatchGetItem"); err != nil {
		return nil, err
	}
	out := &dynamodb.BatchGetItemOutput{
		Responses:       make(map[string][]map[string]types.AttributeValue),
		UnprocessedKeys: make(map[string]types.KeysAndAttributes),
	}
	for name, ka := range in.RequestItems {
		t, err := f.table(aws.String(name))
		if err != nil {
			return nil, err
		}
		if len(ka.Keys) > batchGetLimit {
			return nil, apiError("ValidationException")
		}
		seen := make(map[string]bool)
		for i, k := range ka.Keys {
			id, err := t.id(k)
			if err != nil {
				return nil, err
			}
			if seen[id] {
				return nil, apiError("ValidationException")
			}
			seen[id] = true
			if f.batchLimit > 0 && i >= f.batchLimit {
				un := out.UnprocessedKeys[name]
				un.Keys = append(un.Keys, k)
				out.UnprocessedKeys[name] = un
				continue
			}
			if item := t.items[id]; item != nil {
				out.Responses[name] = append(out.Responses[name], item)
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.beforePut != nil {
		f.beforePut(in)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	id, err := t.id(in.Item)
	if err != nil {
		return nil, err
	}
	if err := checkCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[id]); err != nil {
		return nil, err
	}
	t.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func addNumbers(a, b string) (string, error) {
	x, errx := strconv.ParseInt(a, 10, 64)
	y, erry := strconv.ParseInt(b, 10, 64)
	if errx == nil && erry == nil {
		return strconv.FormatInt(x+y, 10), nil
	}
	fx, err := strconv.ParseFloat(a, 64)
	if err != nil {
		return "", err
	}
	fy, err := strconv.ParseFloat(b, 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(fx+fy, 'g', -1, 64), nil
}

func (f *fakeAPI) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	actions, ok := strings.CutPrefix(aws.ToString(in.UpdateExpression), "ADD ")
	if !ok {
		return nil, apiError("ValidationException")
	}
	id, err := t.id(in.Key)
	if err != nil {
		return nil, err
	}

	item := make(map[string]types.AttributeValue)
	for k, v := range t.items[id] {
		item[k] = v
	}
	for k, v := range in.Key {
		item[k] = v
	}
	updated := make(map[string]types.AttributeValue)
	parts := strings.Split(actions, ", ")
	if len(parts) != len(in.ExpressionAttributeNames) || len(parts) != len(in.ExpressionAttributeValues) {
		return nil, apiError("ValidationException")
	}
	for _, action := range parts {
		name, value, ok := strings.Cut(action, " ")
		attr, okName := in.ExpressionAttributeNames[name]
		delta, okValue := in.ExpressionAttributeValues[value].(*types.AttributeValueMemberN)
		if !ok || !okName || !okValue {
			return nil, apiError("ValidationException")
		}
		sum := delta.Value
		if cur, found := item[attr]; found {
			n, ok := cur.(*types.AttributeValueMemberN)
			if !ok {
				return nil, apiError("ValidationException")
			}
			if sum, err = addNumbers(n.Value, delta.Value); err != nil {
				return nil, apiError("ValidationException")
			}
		}
		nv := &types.AttributeValueMemberN{Value: sum}
		item[attr] = nv
		updated[attr] = nv
	}
	t.items[id] = item
	return &dynamodb.UpdateItemOutput{Attributes: updated}, nil
}

func (f *fakeAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	id, err := t.id(in.Key)
	if err != nil {
		return nil, err
	}
	old := t.items[id]
	if err := checkCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old); err != nil {
		return nil, err
	}
	delete(t.items, id)
	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

// Scan ignores FilterExpression, returning a superset of the matching
// items, and honors Limit and ExclusiveStartKey in key order.
func (f *fakeAPI) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, in)
	if err := f.enter("Scan"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		after, err := t.id(in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		start = sort.SearchStrings(ids, after)
		if start < len(ids) && ids[start] == after {
			start++
		}
	}

	out := &dynamodb.ScanOutput{}
	end := len(ids)
	if in.Limit != nil && start+int(*in.Limit) < end {
		end = start + int(*in.Limit)
	}
	for _, id := range ids[start:end] {
		out.Items = append(out.Items, t.items[id])
	}
	if end < len(ids) && end > start {
		last := t.items[ids[end-1]]
		out.LastEvaluatedKey = map[string]types.AttributeValue{t.keyAttr: last[t.keyAttr]}
	}
	return out, nil
}

func (f *fakeAPI) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateTable"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.TableName)
	if f.tables[name] != nil {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists")}
	}
	if len(in.KeySchema) != 1 || in.KeySchema[0].KeyType != types.KeyTypeHash {
		return nil, apiError("ValidationException")
	}
	f.tables[name] = &fakeTable{
		keyAttr: aws.ToString(in.KeySchema[0].AttributeName),
		items:   make(map[string]map[string]types.AttributeValue),
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAPI) DeleteTable(ctx context.Context, in *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteTable"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.TableName)
	if f.tables[name] == nil {
		return nil, tableMissing()
	}
	delete(f.tables, name)
	return &dynamodb.DeleteTableOutput{}, nil
}

func (f *fakeAPI) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DescribeTable"]++
	if _, err := f.table(in.TableName); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}
