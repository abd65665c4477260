package docstore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindBytes
)

var kindNames = [...]string{"invalid", "string", "int", "float", "bool", "bytes"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) IsNumeric() bool {
	return k == KindInt || k == KindFloat
}

// floatEpsilon is the tolerance used when comparing floats for equality.
const floatEpsilon = 1e-9

// Value is an immutable scalar: a string, a 64-bit integer, a float,
// a boolean or a byte sequence. The zero Value is invalid.
type Value struct {
	kind Kind
	s    string // string payload; bytes are stored here too
	n    int64
	f    float64
}

func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(n int64) Value { return Value{kind: KindInt, n: n} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, n: 1}
	}
	return Value{kind: KindBool}
}

// Bytes returns a bytes Value holding a copy of b.
func Bytes(b []byte) Value { return Value{kind: KindBytes, s: string(b)} }

// ValueOf converts a Go scalar into a Value. The second result is false for
// nil, nested documents, arrays and other non-scalar types.
func ValueOf(x any) (Value, bool) {
	switch x := x.(type) {
	case Value:
		return x, x.kind != KindInvalid
	case string:
		return String(x), true
	case []byte:
		return Bytes(x), true
	case bool:
		return Bool(x), true
	case int:
		return Int(int64(x)), true
	case int8:
		return Int(int64(x)), true
	case int16:
		return Int(int64(x)), true
	case int32:
		return Int(int64(x)), true
	case int64:
		return Int(x), true
	case uint:
		return Int(int64(x)), true
	case uint8:
		return Int(int64(x)), true
	case uint16:
		return Int(int64(x)), true
	case uint32:
		return Int(int64(x)), true
	case uint64:
		if x > math.MaxInt64 {
			return Float(float64(x)), true
		}
		return Int(int64(x)), true
	case float32:
		return Float(float64(x)), true
	case float64:
		return Float(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return Int(n), true
		}
		if f, err := x.Float64(); err == nil {
			return Float(f), true
		}
		return String(string(x)), true
	default:
		return Value{}, false
	}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch(KindString)
	}
	return v.s, nil
}

func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, v.mismatch(KindInt)
	}
	return v.n, nil
}

func (v Value) AsFloat() (float64, error) {
	if v.kind != KindFloat {
		return 0, v.mismatch(KindFloat)
	}
	return v.f, nil
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}
	return v.n != 0, nil
}

// AsBytes returns a copy of the payload of a bytes Value.
func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, v.mismatch(KindBytes)
	}
	return []byte(v.s), nil
}

func (v Value) mismatch(wanted Kind) error {
	return fmt.Errorf("%w: value is %v, wanted %v", ErrTypeMismatch, v.kind, wanted)
}

// Number returns a numeric Value widened to float64.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.n), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Interface returns the natural Go representation: string, int64, float64,
// bool or []byte.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.n
	case KindFloat:
		return v.f
	case KindBool:
		return v.n != 0
	case KindBytes:
		return []byte(v.s)
	default:
		return nil
	}
}

// Equal reports whether v and o are the same variant with equal payloads.
// Floats compare within a small epsilon and NaN equals nothing.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindFloat:
		if math.IsNaN(v.f) || math.IsNaN(o.f) {
			return false
		}
		if v.f == o.f {
			return true
		}
		return math.Abs(v.f-o.f) < floatEpsilon
	case KindInt, KindBool:
		return v.n == o.n
	case KindString, KindBytes:
		return v.s == o.s
	default:
		return false
	}
}

// Compare orders two values. Numbers compare numerically across int and
// float, strings and bytes byte-wise, false sorts before true. Values of
// unrelated kinds are ordered by their canonical strings.
func (v Value) Compare(o Value) int {
	if v.kind.IsNumeric() && o.kind.IsNumeric() {
		if v.kind == KindInt && o.kind == KindInt {
			return cmp3(v.n, o.n)
		}
		a, _ := v.Number()
		b, _ := o.Number()
		if Float(a).Equal(Float(b)) {
			return 0
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		case a == b:
			return 0
		}
		// NaN sorts first.
		if math.IsNaN(a) && !math.IsNaN(b) {
			return -1
		} else if !math.IsNaN(a) && math.IsNaN(b) {
			return 1
		}
		return 0
	}
	if v.kind == o.kind {
		switch v.kind {
		case KindString:
			return strings.Compare(v.s, o.s)
		case KindBytes:
			return bytes.Compare([]byte(v.s), []byte(o.s))
		case KindBool:
			return cmp3(v.n, o.n)
		case KindInvalid:
			return 0
		}
	}
	return strings.Compare(v.Canonical(), o.Canonical())
}

func cmp3(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Canonical returns the textual form used in file names and mixed-kind
// comparisons. Floats always carry a decimal point or exponent so they do
// not read back as integers.
func (v Value) Canonical() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.n, 10)
	case KindFloat:
		return formatFloat(v.f)
	case KindBool:
		if v.n != 0 {
			return "True"
		}
		return "False"
	case KindBytes:
		return base64.StdEncoding.EncodeToString([]byte(v.s))
	default:
		return ""
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// ParseCanonical reverses Canonical: it tries an integer, then a float, then
// True/False, then Base64 bytes, and falls back to a string. Strings that
// look like one of the other forms do not survive the round trip.
func ParseCanonical(s string) Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(n)
	}
	if looksLikeFloat(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Float(f)
		}
	}
	switch s {
	case "True":
		return Bool(true)
	case "False":
		return Bool(false)
	}
	if s != "" && len(s)%4 == 0 {
		if b, err := base64.StdEncoding.Strict().DecodeString(s); err == nil {
			return Bytes(b)
		}
	}
	return String(s)
}

func looksLikeFloat(s string) bool {
	switch s {
	case "NaN", "+Inf", "-Inf":
		return true
	}
	// Reject hex floats, underscores and bare "Inf"/"infinity" spellings.
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && c != '.' && c != 'e' && c != 'E' && c != '+' && c != '-' {
			return false
		}
	}
	return s != ""
}

func (v Value) String() string {
	if v.kind == KindString {
		return strconv.Quote(v.s)
	}
	return v.Canonical()
}

// MarshalJSON encodes the natural JSON form of the value.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}
