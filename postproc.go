package docstore

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// PostOptions selects transforms applied to every document returned to
// a caller. Arrays are sorted before floats are converted, so numeric
// arrays are ordered by their original values.
type PostOptions struct {
	// SortArrays recursively sorts array elements into a canonical order.
	SortArrays bool
	// IntegralFloatsToInts converts floats with no fractional part to int64.
	IntegralFloatsToInts bool
}

func (o PostOptions) enabled() bool {
	return o.SortArrays || o.IntegralFloatsToInts
}

// Apply returns a transformed deep copy of doc. It never adds or removes
// attributes, and applying it twice gives the same result as once.
func (o PostOptions) Apply(doc Document) Document {
	if doc == nil || !o.enabled() {
		return doc
	}
	out := doc.Clone()
	if o.SortArrays {
		sortArrays(out)
	}
	if o.IntegralFloatsToInts {
		out = roundFloats(out).(Document)
	}
	return out
}

func sortArrays(x any) {
	switch x := x.(type) {
	case Document:
		for _, v := range x {
			sortArrays(v)
		}
	case []any:
		for _, v := range x {
			sortArrays(v)
		}
		sort.SliceStable(x, func(i, j int) bool {
			return canonicalCompare(x[i], x[j]) < 0
		})
	}
}

// canonicalRank groups elements: null, numbers, strings, booleans, bytes,
// documents, arrays.
func canonicalRank(x any) int {
	if x == nil {
		return 0
	}
	if v, ok := ValueOf(x); ok {
		switch v.Kind() {
		case KindInt, KindFloat:
			return 1
		case KindString:
			return 2
		case KindBool:
			return 3
		case KindBytes:
			return 4
		}
	}
	switch x.(type) {
	case Document:
		return 5
	case []any:
		return 6
	}
	return 7
}

func canonicalCompare(a, b any) int {
	ra, rb := canonicalRank(a), canonicalRank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 0:
		return 0
	case 1, 2, 3, 4:
		va, _ := ValueOf(a)
		vb, _ := ValueOf(b)
		return va.Compare(vb)
	default:
		return strings.Compare(canonicalJSON(a), canonicalJSON(b))
	}
}

func canonicalJSON(x any) string {
	raw, err := json.Marshal(x)
	if err != nil {
		return ""
	}
	return string(raw)
}

func roundFloats(x any) any {
	switch x := x.(type) {
	case Document:
		for k, v := range x {
			x[k] = roundFloats(v)
		}
		return x
	case []any:
		for i, v := range x {
			x[i] = roundFloats(v)
		}
		return x
	case float64:
		if isIntegral(x) {
			return int64(x)
		}
		return x
	default:
		return x
	}
}

func isIntegral(f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64
}
