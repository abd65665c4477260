package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"
)

// Document is a schemaless JSON-like object. Leaves are string, int64,
// float64, bool, []byte or nil; interior nodes are Document and []any.
// Use Normalize to bring arbitrary Go values into this shape.
type Document map[string]any

// Key addresses a single item of a table.
type Key struct {
	Attr  string
	Value Value
}

// K builds a Key from a Go scalar. It panics if v is not a scalar.
func K(attr string, v any) Key {
	val, ok := ValueOf(v)
	if !ok {
		panic(fmt.Errorf("docstore: key %s: %T is not a scalar", attr, v))
	}
	return Key{Attr: attr, Value: val}
}

func (k Key) String() string {
	return k.Attr + "=" + k.Value.Canonical()
}

func (k Key) validate() error {
	if strings.TrimSpace(k.Attr) == "" {
		return validationErrf("empty key attribute")
	}
	if strings.IndexFunc(k.Attr, unicode.IsControl) >= 0 || strings.ContainsAny(k.Attr, ".[]") {
		return validationErrf("invalid key attribute %q", k.Attr)
	}
	if !k.Value.IsValid() {
		return validationErrf("key %s has no value", k.Attr)
	}
	return nil
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneAny(d).(Document)
}

func cloneAny(x any) any {
	switch x := x.(type) {
	case Document:
		out := make(Document, len(x))
		for k, v := range x {
			out[k] = cloneAny(v)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = cloneAny(v)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	default:
		return x
	}
}

// Lookup returns the value at the given path.
func (d Document) Lookup(p Path) (any, bool) {
	var cur any = d
	for _, seg := range p {
		m, ok := cur.(Document)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Get is a convenience wrapper around Lookup for dotted paths.
func (d Document) Get(attr string) (any, bool) {
	p, err := ParsePath(attr)
	if err != nil {
		return nil, false
	}
	return d.Lookup(p)
}

// setPath stores v at p, creating intermediate documents as needed.
// Intermediate values that are not documents are replaced.
func (d Document) setPath(p Path, v any) {
	cur := d
	for _, seg := range p[:len(p)-1] {
		next, ok := cur[seg].(Document)
		if !ok {
			next = Document{}
			cur[seg] = next
		}
		cur = next
	}
	cur[p[len(p)-1]] = v
}

// WithKey returns a shallow copy of d with the key attribute set.
func (d Document) WithKey(key Key) Document {
	out := make(Document, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	out[key.Attr] = key.Value.Interface()
	return out
}

// WithoutKey returns a shallow copy of d without the key attribute.
func (d Document) WithoutKey(key Key) Document {
	out := make(Document, len(d))
	for k, v := range d {
		if k != key.Attr {
			out[k] = v
		}
	}
	return out
}

func (d Document) String() string {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(d))
	}
	return string(raw)
}

// Normalize converts arbitrary Go data (maps with string keys, typed
// slices, sized integers, json.Number, Value) into the Document shape.
func Normalize(x any) any {
	switch x := x.(type) {
	case nil:
		return nil
	case Document:
		out := make(Document, len(x))
		for k, v := range x {
			out[k] = Normalize(v)
		}
		return out
	case map[string]any:
		out := make(Document, len(x))
		for k, v := range x {
			out[k] = Normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = Normalize(v)
		}
		return out
	}
	if v, ok := ValueOf(x); ok {
		return v.Interface()
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return x
		}
		out := make(Document, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Normalize(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	}
	return x
}

// NormalizeDocument is Normalize for top-level maps.
func NormalizeDocument(m map[string]any) Document {
	if m == nil {
		return nil
	}
	return Normalize(m).(Document)
}

// DecodeJSON parses a JSON object into a Document, keeping integers as
// int64.
func DecodeJSON(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	return NormalizeDocument(m), nil
}

// Keys returns the top-level attribute names of d in ascending order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
