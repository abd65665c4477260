package docstore

import "testing"

func TestPostOptionsApply(t *testing.T) {
	doc := Document{
		"id":    "u1",
		"nums":  []any{3.0, int64(1), 2.5},
		"mixed": []any{true, "b", nil, int64(2), "a"},
		"deep":  Document{"arr": []any{"z", "y"}, "n": 7.0},
		"frac":  1.25,
	}
	orig := doc.Clone()

	sorted := PostOptions{SortArrays: true}.Apply(doc)
	deepEqual(t, sorted, Document{
		"id":    "u1",
		"nums":  []any{int64(1), 2.5, 3.0},
		"mixed": []any{nil, int64(2), "a", "b", true},
		"deep":  Document{"arr": []any{"y", "z"}, "n": 7.0},
		"frac":  1.25,
	})
	deepEqual(t, doc, orig)

	both := PostOptions{SortArrays: true, IntegralFloatsToInts: true}.Apply(doc)
	deepEqual(t, both, Document{
		"id":    "u1",
		"nums":  []any{int64(1), 2.5, int64(3)},
		"mixed": []any{nil, int64(2), "a", "b", true},
		"deep":  Document{"arr": []any{"y", "z"}, "n": int64(7)},
		"frac":  1.25,
	})

	opt := PostOptions{SortArrays: true, IntegralFloatsToInts: true}
	deepEqual(t, opt.Apply(both), both)
	deepEqual(t, len(both), len(doc))
}

func TestPostOptionsDisabled(t *testing.T) {
	doc := Document{"a": []any{int64(2), int64(1)}}
	a := PostOptions{}.Apply(doc)
	deepEqual(t, a, doc)
	if (PostOptions{SortArrays: true}).Apply(nil) != nil {
		t.Errorf("Apply(nil) != nil")
	}
}

func TestIsIntegral(t *testing.T) {
	for f, e := range map[float64]bool{1: true, -3: true, 0.5: false, 1e30: false} {
		if a := isIntegral(f); a != e {
			t.Errorf("isIntegral(%v) = %v, wanted %v", f, a, e)
		}
	}
}
