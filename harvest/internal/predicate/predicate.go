// Package predicate turns (column, operator, value) triples into a
// backend-neutral filter expression.
//
// A triple whose column is empty or whose value is null (nil, NaN, zero
// time) means "no constraint on this column" and is dropped. Time values
// are normalised to the naive wall clock used by storage. An expression
// with no conditions matches every row.
package predicate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/frame"
)

// ErrInvalidPredicate reports a malformed triple: wrong arity, unknown
// operator, or a value that cannot be compared with its column.
var ErrInvalidPredicate = errors.New("predicate: invalid predicate")

// Op is a comparison operator.
type Op string

const (
	Eq  Op = "=="
	Gte Op = ">="
	Lte Op = "<="
	Gt  Op = ">"
	Lt  Op = "<"
)

// ParseOp accepts the five operators; "=" is read as "==".
func ParseOp(s string) (Op, error) {
	switch op := Op(strings.TrimSpace(s)); op {
	case Eq, Gte, Lte, Gt, Lt:
		return op, nil
	case "=":
		return Eq, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, s)
}

// SQL returns the SQL spelling of the operator.
func (o Op) SQL() string {
	if o == Eq {
		return "="
	}
	return string(o)
}

func (o Op) holds(c int) bool {
	switch o {
	case Eq:
		return c == 0
	case Gte:
		return c >= 0
	case Lte:
		return c <= 0
	case Gt:
		return c > 0
	case Lt:
		return c < 0
	}
	return false
}

// Triple is one (column, operator, value) constraint as supplied by callers.
type Triple struct {
	Column string
	Op     Op
	Value  any
}

// T is shorthand for a Triple literal.
func T(column string, op Op, value any) Triple { return Triple{column, op, value} }

// Cond is a retained, normalised constraint.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

// Expr is a conjunction of conditions.
type Expr struct {
	conds []Cond
}

// All matches every row.
var All = Expr{}

// Build normalises triples into an expression. loc is the zone in which
// zoned time values are read before being stripped to naive.
func Build(loc *time.Location, triples ...Triple) (Expr, error) {
	var e Expr
	for _, t := range triples {
		if t.Column == "" || frame.IsNull(t.Value) {
			continue
		}
		op, err := ParseOp(string(t.Op))
		if err != nil {
			return Expr{}, err
		}
		v := t.Value
		if tm, ok := v.(time.Time); ok {
			v = frame.Naive(tm, loc)
		}
		e.conds = append(e.conds, Cond{Column: t.Column, Op: op, Value: v})
	}
	return e, nil
}

// FromSlices builds an expression from loosely typed triples, as decoded
// from JSON: each element must have exactly three entries, a column name
// (string or nil), an operator string and a value.
func FromSlices(loc *time.Location, raw [][]any) (Expr, error) {
	triples := make([]Triple, 0, len(raw))
	for i, r := range raw {
		if len(r) != 3 {
			return Expr{}, fmt.Errorf("%w: triple %d has %d elements", ErrInvalidPredicate, i, len(r))
		}
		var col string
		switch c := r[0].(type) {
		case nil:
		case string:
			col = c
		default:
			return Expr{}, fmt.Errorf("%w: triple %d column is %T", ErrInvalidPredicate, i, r[0])
		}
		opStr, ok := r[1].(string)
		if !ok {
			return Expr{}, fmt.Errorf("%w: triple %d operator is %T", ErrInvalidPredicate, i, r[1])
		}
		triples = append(triples, Triple{Column: col, Op: Op(opStr), Value: r[2]})
	}
	return Build(loc, triples...)
}

// Conds returns the retained conditions.
func (e Expr) Conds() []Cond { return append([]Cond(nil), e.conds...) }

// IsEmpty reports whether the expression matches every row.
func (e Expr) IsEmpty() bool { return len(e.conds) == 0 }

// Columns returns the distinct columns the expression constrains.
func (e Expr) Columns() []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range e.conds {
		if !seen[c.Column] {
			seen[c.Column] = true
			out = append(out, c.Column)
		}
	}
	return out
}

// And returns the conjunction of e and o.
func (e Expr) And(o Expr) Expr {
	return Expr{conds: append(e.Conds(), o.conds...)}
}

// Typed converts every condition value to the kind of its column, so that
// "2019-01-01" compares as a time against a time column. kindOf reports
// KindUnknown for columns it does not know; those values are left as is.
func (e Expr) Typed(kindOf func(column string) frame.Kind, loc *time.Location) (Expr, error) {
	out := Expr{conds: make([]Cond, len(e.conds))}
	for i, c := range e.conds {
		k := kindOf(c.Column)
		if k != frame.KindUnknown {
			v, ok := frame.Convert(c.Value, k, loc)
			if !ok || v == nil {
				return Expr{}, fmt.Errorf("%w: %v is not a %s for column %q", ErrInvalidPredicate, c.Value, k, c.Column)
			}
			c.Value = v
		}
		out.conds[i] = c
	}
	return out, nil
}

// Match reports whether row i of f satisfies every condition. A null cell
// or a missing column never satisfies a condition.
func (e Expr) Match(f *frame.Frame, i int) bool {
	for _, c := range e.conds {
		v := f.Value(i, c.Column)
		if v == nil || !c.Op.holds(frame.Compare(v, c.Value)) {
			return false
		}
	}
	return true
}

// Apply returns the rows of f matching e. Values are first converted to
// the kinds of f's columns.
func (e Expr) Apply(f *frame.Frame, loc *time.Location) (*frame.Frame, error) {
	typed, err := e.Typed(f.Kind, loc)
	if err != nil {
		return nil, err
	}
	return f.Filter(func(i int) bool { return typed.Match(f, i) }), nil
}

func (e Expr) String() string {
	if e.IsEmpty() {
		return "true"
	}
	parts := make([]string, len(e.conds))
	for i, c := range e.conds {
		parts[i] = fmt.Sprintf("%s %s %v", c.Column, c.Op, c.Value)
	}
	return strings.Join(parts, " AND ")
}
