package mongostore

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/andreyvit/docstore"
)

// Field names of a stored record. The item body lives under bodyField so
// that user attributes never collide with _id or the bookkeeping fields.
const (
	idField      = "_id"
	attrField    = "k"
	keyField     = "kv"
	versionField = "v"
	bodyField    = "doc"
)

// record is the stored form of an item. ID is the item's docstore.EncodeKey
// form, which keeps int and float keys distinct and sorts like the other
// backends.
type record struct {
	ID      []byte `bson:"_id"`
	Attr    string `bson:"k"`
	Key     any    `bson:"kv"`
	Version *int64 `bson:"v,omitempty"`
	Body    bson.D `bson:"doc"`
}

func newRecord(key docstore.Key, body docstore.Document, version int64) (*record, error) {
	d, err := toBSON(body)
	if err != nil {
		return nil, err
	}
	rec := &record{
		ID:   docstore.EncodeKey(key),
		Attr: key.Attr,
		Key:  key.Value.Interface(),
		Body: d,
	}
	if version > 0 {
		rec.Version = &version
	}
	return rec, nil
}

func (rec *record) version() int64 {
	if rec.Version == nil {
		return -1
	}
	return *rec.Version
}

func (rec *record) document(key docstore.Key) (docstore.Document, error) {
	doc, err := fromD(rec.Body)
	if err != nil {
		return nil, err
	}
	return doc.WithKey(key), nil
}

func toBSON(doc docstore.Document) (bson.D, error) {
	d := make(bson.D, 0, len(doc))
	for _, k := range doc.Keys() {
		v, err := toBSONValue(doc[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		d = append(d, bson.E{Key: k, Value: v})
	}
	return d, nil
}

func toBSONValue(x any) (any, error) {
	switch x := x.(type) {
	case nil, string, int64, float64, bool:
		return x, nil
	case []byte:
		return primitive.Binary{Data: x}, nil
	case docstore.Document:
		return toBSON(x)
	case []any:
		a := make(bson.A, len(x))
		for i, e := range x {
			v, err := toBSONValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			a[i] = v
		}
		return a, nil
	default:
		if v, ok := docstore.ValueOf(x); ok {
			return toBSONValue(v.Interface())
		}
		return nil, fmt.Errorf("unsupported value of type %T", x)
	}
}

func fromD(d bson.D) (docstore.Document, error) {
	doc := make(docstore.Document, len(d))
	for _, e := range d {
		v, err := fromBSONValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Key, err)
		}
		doc[e.Key] = v
	}
	return doc, nil
}

func fromBSONValue(x any) (any, error) {
	switch x := x.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return nil, nil
	case string, int64, float64, bool:
		return x, nil
	case int32:
		return int64(x), nil
	case primitive.Binary:
		return append([]byte(nil), x.Data...), nil
	case []byte:
		return append([]byte(nil), x...), nil
	case primitive.D:
		return fromD(bson.D(x))
	case primitive.M:
		d := make(bson.D, 0, len(x))
		for k, v := range x {
			d = append(d, bson.E{Key: k, Value: v})
		}
		return fromD(d)
	case primitive.A:
		out := make([]any, len(x))
		for i, e := range x {
			v, err := fromBSONValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case primitive.Decimal128:
		return parseDecimal(x)
	default:
		return nil, fmt.Errorf("unsupported BSON value of type %T", x)
	}
}

func parseDecimal(d primitive.Decimal128) (any, error) {
	v := docstore.ParseCanonical(d.String())
	if !v.Kind().IsNumeric() {
		return nil, fmt.Errorf("invalid decimal %v", d)
	}
	return v.Interface(), nil
}
