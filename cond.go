package docstore

import (
	"strings"
)

// Op is a comparison operator of a value condition.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
)

var opSymbols = [...]string{"=", "<>", ">", ">=", "<", "<="}

func (op Op) String() string {
	if op < 0 || int(op) >= len(opSymbols) {
		return "?"
	}
	return opSymbols[op]
}

// NodeKind identifies the type of a condition node.
type NodeKind int

const (
	NodeAnd NodeKind = iota + 1
	NodeOr
	NodeExists
	NodeNotExists
	NodeCompare
	NodeSizeCompare
	NodeContains
	NodeNotContains
)

// Cond is an immutable condition tree evaluated against a document. The zero
// Cond is the empty tree, which always holds.
//
// Constructors never fail; an invalid attribute path is recorded in the
// node and reported by Validate.
type Cond struct {
	n *condNode
}

type condNode struct {
	kind        NodeKind
	left, right *condNode
	attr        string
	path        Path
	op          Op
	operand     Value
	err         error
}

func leaf(kind NodeKind, attr string, op Op, operand Value) Cond {
	n := &condNode{kind: kind, attr: attr, op: op, operand: operand}
	n.path, n.err = ParsePath(attr)
	if n.err == nil && (kind == NodeCompare || kind == NodeContains || kind == NodeNotContains) && !operand.IsValid() {
		n.err = validationErrf("condition on %s has no operand", attr)
	}
	if n.err == nil && (op < OpEq || op > OpLe) {
		n.err = validationErrf("condition on %s: invalid operator %d", attr, int(op))
	}
	return Cond{n}
}

// Exists holds when attr is present (a null value counts as present).
func Exists(attr string) Cond { return leaf(NodeExists, attr, OpEq, Value{}) }

// NotExists holds when attr is absent.
func NotExists(attr string) Cond { return leaf(NodeNotExists, attr, OpEq, Value{}) }

// Compare holds when attr is a primitive satisfying `attr op v`.
func Compare(attr string, op Op, v Value) Cond { return leaf(NodeCompare, attr, op, v) }

func Equals(attr string, v Value) Cond { return Compare(attr, OpEq, v) }
func NotEquals(attr string, v Value) Cond { return Compare(attr, OpNe, v) }
func Greater(attr string, v Value) Cond { return Compare(attr, OpGt, v) }
func GreaterOrEqual(attr string, v Value) Cond { return Compare(attr, OpGe, v) }
func Less(attr string, v Value) Cond { return Compare(attr, OpLt, v) }
func LessOrEqual(attr string, v Value) Cond { return Compare(attr, OpLe, v) }

// SizeCompare holds when attr is an array whose length satisfies
// `size(attr) op n`.
func SizeCompare(attr string, op Op, n int64) Cond {
	return leaf(NodeSizeCompare, attr, op, Int(n))
}

// ArrayContains holds when attr is an array with an element whose canonical
// string equals that of v.
func ArrayContains(attr string, v Value) Cond { return leaf(NodeContains, attr, OpEq, v) }

// ArrayNotContains holds when attr is missing, is not an array, or has no
// element equal to v.
func ArrayNotContains(attr string, v Value) Cond { return leaf(NodeNotContains, attr, OpEq, v) }

// And combines two conditions. Empty operands are dropped.
func And(a, b Cond) Cond { return combine(NodeAnd, a, b) }

// Or combines two conditions. An empty operand always holds, so the result
// is empty too.
func Or(a, b Cond) Cond {
	if a.IsEmpty() || b.IsEmpty() {
		return Cond{}
	}
	return combine(NodeOr, a, b)
}

// All is And over any number of conditions.
func All(conds ...Cond) Cond {
	var c Cond
	for _, o := range conds {
		c = And(c, o)
	}
	return c
}

func combine(kind NodeKind, a, b Cond) Cond {
	if a.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return a
	}
	return Cond{&condNode{kind: kind, left: a.n, right: b.n}}
}

func (c Cond) And(o Cond) Cond { return And(c, o) }
func (c Cond) Or(o Cond) Cond { return Or(c, o) }

func (c Cond) IsEmpty() bool { return c.n == nil }

// Validate returns the first construction error found in the tree.
func (c Cond) Validate() error {
	return c.n.validate()
}

func (n *condNode) validate() error {
	if n == nil {
		return nil
	}
	if n.err != nil {
		return n.err
	}
	if err := n.left.validate(); err != nil {
		return err
	}
	return n.right.validate()
}

// Node is a read-only view of a condition node, used by backends that
// translate conditions into a native filter language.
type Node struct {
	n *condNode
}

func (c Cond) Root() (Node, bool) {
	return Node{c.n}, c.n != nil
}

func (n Node) Kind() NodeKind { return n.n.kind }
func (n Node) Left() Node { return Node{n.n.left} }
func (n Node) Right() Node { return Node{n.n.right} }
func (n Node) Attr() string { return n.n.attr }
func (n Node) Path() Path { return n.n.path }
func (n Node) Op() Op { return n.n.op }
func (n Node) Operand() Value { return n.n.operand }

func (c Cond) String() string {
	if c.n == nil {
		return "<true>"
	}
	var buf strings.Builder
	c.n.format(&buf, false)
	return buf.String()
}

func (n *condNode) format(buf *strings.Builder, nested bool) {
	switch n.kind {
	case NodeAnd, NodeOr:
		if nested {
			buf.WriteByte('(')
		}
		n.left.format(buf, true)
		if n.kind == NodeAnd {
			buf.WriteString(" AND ")
		} else {
			buf.WriteString(" OR ")
		}
		n.right.format(buf, true)
		if nested {
			buf.WriteByte(')')
		}
	case NodeExists:
		buf.WriteString("attribute_exists(" + n.attr + ")")
	case NodeNotExists:
		buf.WriteString("attribute_not_exists(" + n.attr + ")")
	case NodeCompare:
		buf.WriteString(n.attr + " " + n.op.String() + " " + n.operand.String())
	case NodeSizeCompare:
		buf.WriteString("size(" + n.attr + ") " + n.op.String() + " " + n.operand.String())
	case NodeContains:
		buf.WriteString("contains(" + n.attr + ", " + n.operand.String() + ")")
	case NodeNotContains:
		buf.WriteString("NOT contains(" + n.attr + ", " + n.operand.String() + ")")
	}
}
