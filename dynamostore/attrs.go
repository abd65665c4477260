package dynamostore

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/andreyvit/docstore"
)

// versionAttr holds the optimistic-concurrency version of an item. It is
// never exposed in returned documents.
const versionAttr = "_docstore_ver"

func marshalValue(x any) (types.AttributeValue, error) {
	switch x := x.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case string:
		return &types.AttributeValueMemberS{Value: x}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(x, 10)}, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%v cannot be stored in DynamoDB", x)
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: x}, nil
	case []byte:
		return &types.AttributeValueMemberB{Value: x}, nil
	case docstore.Document:
		m, err := marshalItem(x)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case []any:
		l := make([]types.AttributeValue, len(x))
		for i, e := range x {
			av, err := marshalValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			l[i] = av
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	default:
		if v, ok := docstore.ValueOf(x); ok {
			return marshalValue(v.Interface())
		}
		return nil, fmt.Errorf("unsupported value of type %T", x)
	}
}

func marshalItem(doc docstore.Document) (map[string]types.AttributeValue, error) {
	m := make(map[string]types.AttributeValue, len(doc))
	for k, v := range doc {
		av, err := marshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		m[k] = av
	}
	return m, nil
}

func marshalScalar(v docstore.Value) (types.AttributeValue, error) {
	return marshalValue(v.Interface())
}

func parseNumber(s string) (any, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return f, nil
}

func unmarshalValue(av types.AttributeValue) (any, error) {
	switch av := av.(type) {
	case *types.AttributeValueMemberS:
		return av.Value, nil
	case *types.AttributeValueMemberN:
		return parseNumber(av.Value)
	case *types.AttributeValueMemberB:
		return append([]byte(nil), av.Value...), nil
	case *types.AttributeValueMemberBOOL:
		return av.Value, nil
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberM:
		return unmarshalItem(av.Value)
	case *types.AttributeValueMemberL:
		out := make([]any, len(av.Value))
		for i, e := range av.Value {
			v, err := unmarshalValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *types.AttributeValueMemberSS:
		out := make([]any, len(av.Value))
		for i, s := range av.Value {
			out[i] = s
		}
		return out, nil
	case *types.AttributeValueMemberNS:
		out := make([]any, len(av.Value))
		for i, s := range av.Value {
			n, err := parseNumber(s)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case *types.AttributeValueMemberBS:
		out := make([]any, len(av.Value))
		for i, b := range av.Value {
			out[i] = append([]byte(nil), b...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported attribute value %T", av)
	}
}

// unmarshalItem converts an item to a Document, dropping the version
// attribute.
func unmarshalItem(m map[string]types.AttributeValue) (docstore.Document, error) {
	doc := make(docstore.Document, len(m))
	for k, av := range m {
		if k == versionAttr {
			continue
		}
		v, err := unmarshalValue(av)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		doc[k] = v
	}
	return doc, nil
}

// itemVersion returns the stored version, or -1 for items written without
// one.
func itemVersion(m map[string]types.AttributeValue) int64 {
	n, ok := m[versionAttr].(*types.AttributeValueMemberN)
	if !ok {
		return -1
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return -1
	}
	return v
}

func keyItem(key docstore.Key) (map[string]types.AttributeValue, error) {
	switch key.Value.Kind() {
	case docstore.KindString, docstore.KindInt, docstore.KindFloat, docstore.KindBytes:
	default:
		return nil, fmt.Errorf("%w: DynamoDB keys must be strings, numbers or bytes, got %v", docstore.ErrValidation, key.Value.Kind())
	}
	av, err := marshalScalar(key.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: key %v: %v", docstore.ErrValidation, key, err)
	}
	return map[string]types.AttributeValue{key.Attr: av}, nil
}

func scalarType(v docstore.Value) types.ScalarAttributeType {
	switch v.Kind() {
	case docstore.KindInt, docstore.KindFloat:
		return types.ScalarAttributeTypeN
	case docstore.KindBytes:
		return types.ScalarAttributeTypeB
	default:
		return types.ScalarAttributeTypeS
	}
}

// cursorEntry is the serialized form of one LastEvaluatedKey attribute.
type cursorEntry struct {
	Name string `json:"n"`
	Type string `json:"t"`
	S    string `json:"s,omitempty"`
	B    []byte `json:"b,omitempty"`
}

func encodeStartKey(m map[string]types.AttributeValue) ([]cursorEntry, error) {
	out := make([]cursorEntry, 0, len(m))
	for name, av := range m {
		switch av := av.(type) {
		case *types.AttributeValueMemberS:
			out = append(out, cursorEntry{Name: name, Type: "S", S: av.Value})
		case *types.AttributeValueMemberN:
			out = append(out, cursorEntry{Name: name, Type: "N", S: av.Value})
		case *types.AttributeValueMemberB:
			out = append(out, cursorEntry{Name: name, Type: "B", B: av.Value})
		default:
			return nil, fmt.Errorf("unsupported key attribute %s of type %T", name, av)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func decodeStartKey(entries []cursorEntry) (map[string]types.AttributeValue, bool) {
	if len(entries) == 0 {
		return nil, false
	}
	m := make(map[string]types.AttributeValue, len(entries))
	for _, e := range entries {
		switch e.Type {
		case "S":
			m[e.Name] = &types.AttributeValueMemberS{Value: e.S}
		case "N":
			m[e.Name] = &types.AttributeValueMemberN{Value: e.S}
		case "B":
			m[e.Name] = &types.AttributeValueMemberB{Value: e.B}
		default:
			return nil, false
		}
	}
	return m, true
}
