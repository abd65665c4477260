package docstore

// Eval evaluates c against doc. A nil doc behaves like an empty document.
func (c Cond) Eval(doc Document) bool {
	return Evaluate(doc, c)
}

// Evaluate reports whether doc satisfies c. Both operands of AND and OR are
// always evaluated. Invalid nodes evaluate to false; use Cond.Validate to
// detect them up front.
func Evaluate(doc Document, c Cond) bool {
	if c.n == nil {
		return true
	}
	return c.n.eval(doc)
}

func (n *condNode) eval(doc Document) bool {
	if n.err != nil {
		return false
	}
	switch n.kind {
	case NodeAnd:
		l, r := n.left.eval(doc), n.right.eval(doc)
		return l && r
	case NodeOr:
		l, r := n.left.eval(doc), n.right.eval(doc)
		return l || r
	case NodeExists:
		_, ok := doc.Lookup(n.path)
		return ok
	case NodeNotExists:
		_, ok := doc.Lookup(n.path)
		return !ok
	case NodeCompare:
		raw, ok := doc.Lookup(n.path)
		if !ok {
			return false
		}
		v, ok := ValueOf(raw)
		if !ok {
			return false
		}
		return compareOp(v, n.op, n.operand)
	case NodeSizeCompare:
		raw, ok := doc.Lookup(n.path)
		if !ok {
			return false
		}
		size, ok := sizeOf(raw)
		if !ok {
			return false
		}
		return compareOp(Int(size), n.op, n.operand)
	case NodeContains:
		return arrayContains(doc, n.path, n.operand)
	case NodeNotContains:
		return !arrayContains(doc, n.path, n.operand)
	default:
		return false
	}
}

func compareOp(v Value, op Op, operand Value) bool {
	switch op {
	case OpEq:
		return valuesEqual(v, operand)
	case OpNe:
		return !valuesEqual(v, operand)
	}
	c := v.Compare(operand)
	switch op {
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	default:
		return false
	}
}

// valuesEqual is Equal extended across int and float, so that 3 == 3.0
// holds in conditions.
func valuesEqual(a, b Value) bool {
	if a.Kind() != b.Kind() && a.Kind().IsNumeric() && b.Kind().IsNumeric() {
		x, _ := a.Number()
		y, _ := b.Number()
		return Float(x).Equal(Float(y))
	}
	return a.Equal(b)
}

func sizeOf(raw any) (int64, bool) {
	if arr, ok := raw.([]any); ok {
		return int64(len(arr)), true
	}
	return 0, false
}

func arrayContains(doc Document, p Path, v Value) bool {
	raw, ok := doc.Lookup(p)
	if !ok {
		return false
	}
	arr, ok := raw.([]any)
	if !ok {
		return false
	}
	want := v.Canonical()
	for _, elem := range arr {
		if ev, ok := ValueOf(elem); ok && ev.Canonical() == want {
			return true
		}
	}
	return false
}
