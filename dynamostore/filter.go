package dynamostore

import (
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/andreyvit/docstore"
)

// filter is a FilterExpression that matches a superset of the items a
// condition matches. An empty expr matches everything.
type filter struct {
	expr   string
	names  map[string]string
	values map[string]types.AttributeValue
}

func buildFilter(cond docstore.Cond) filter {
	root, ok := cond.Root()
	if !ok {
		return filter{}
	}
	b := &filterBuilder{names: make(map[string]string), aliases: make(map[string]string)}
	expr := b.node(root)
	if expr == "" {
		return filter{}
	}
	f := filter{expr: expr, names: b.names}
	if len(b.values) > 0 {
		f.values = b.values
	}
	return f
}

type filterBuilder struct {
	names   map[string]string
	aliases map[string]string
	values  map[string]types.AttributeValue
}

func (b *filterBuilder) node(n docstore.Node) string {
	switch n.Kind() {
	case docstore.NodeAnd:
		l, r := b.node(n.Left()), b.node(n.Right())
		switch {
		case l == "":
			return r
		case r == "":
			return l
		}
		return "(" + l + " AND " + r + ")"
	case docstore.NodeOr:
		l, r := b.node(n.Left()), b.node(n.Right())
		if l == "" || r == "" {
			return ""
		}
		return "(" + l + " OR " + r + ")"
	case docstore.NodeExists:
		return "attribute_exists(" + b.path(n.Path()) + ")"
	case docstore.NodeNotExists:
		return "attribute_not_exists(" + b.path(n.Path()) + ")"
	case docstore.NodeCompare:
		if n.Op() == docstore.OpEq {
			switch n.Operand().Kind() {
			case docstore.KindString, docstore.KindBool, docstore.KindBytes:
				if v, err := marshalScalar(n.Operand()); err == nil {
					return b.path(n.Path()) + " = " + b.value(v)
				}
			}
		}
		// Numeric comparisons tolerate int/float mixing and an epsilon that
		// DynamoDB does not, and mixed kinds order by canonical string.
		return "attribute_exists(" + b.path(n.Path()) + ")"
	case docstore.NodeSizeCompare:
		v := &types.AttributeValueMemberN{Value: n.Operand().Canonical()}
		return "size(" + b.path(n.Path()) + ") " + sizeOp(n.Op()) + " " + b.value(v)
	case docstore.NodeContains:
		return "attribute_exists(" + b.path(n.Path()) + ")"
	default:
		// NotContains holds for missing attributes.
		return ""
	}
}

func (b *filterBuilder) path(p docstore.Path) string {
	parts := make([]string, len(p))
	for i, seg := range p {
		alias, ok := b.aliases[seg]
		if !ok {
			alias = "#n" + strconv.Itoa(len(b.aliases))
			b.aliases[seg] = alias
			b.names[alias] = seg
		}
		parts[i] = alias
	}
	return strings.Join(parts, ".")
}

func (b *filterBuilder) value(v types.AttributeValue) string {
	if b.values == nil {
		b.values = make(map[string]types.AttributeValue)
	}
	alias := ":v" + strconv.Itoa(len(b.values))
	b.values[alias] = v
	return alias
}

func sizeOp(op docstore.Op) string {
	switch op {
	case docstore.OpNe:
		return "<>"
	case docstore.OpGt:
		return ">"
	case docstore.OpGe:
		return ">="
	case docstore.OpLt:
		return "<"
	case docstore.OpLe:
		return "<="
	default:
		return "="
	}
}
