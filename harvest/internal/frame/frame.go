// Package frame is the in-memory tabular value exchanged between sources,
// the merge engine and the column store: an ordered list of named, typed
// columns and rows of nullable cells.
//
// Cell values are one of nil, time.Time (naive, see Naive), string, int64
// or float64. Operations return new frames and never mutate their receiver.
package frame

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrArity is returned when a row does not have one value per column.
var ErrArity = errors.New("frame: row arity does not match columns")

// Column is a named, typed column.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Frame is an ordered set of columns and rows.
type Frame struct {
	cols []Column
	pos  map[string]int
	rows [][]any
}

// New returns an empty frame with the given columns. Duplicate names keep
// the first occurrence.
func New(cols ...Column) *Frame {
	f := &Frame{pos: make(map[string]int, len(cols))}
	for _, c := range cols {
		f.addColumn(c)
	}
	return f
}

func (f *Frame) addColumn(c Column) int {
	if i, ok := f.pos[c.Name]; ok {
		if f.cols[i].Kind == KindUnknown {
			f.cols[i].Kind = c.Kind
		}
		return i
	}
	f.cols = append(f.cols, c)
	f.pos[c.Name] = len(f.cols) - 1
	for r := range f.rows {
		f.rows[r] = append(f.rows[r], nil)
	}
	return len(f.cols) - 1
}

// Len returns the number of rows. A nil frame has no rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.rows)
}

// IsEmpty reports whether the frame has no rows.
func (f *Frame) IsEmpty() bool { return f.Len() == 0 }

// Columns returns a copy of the column list.
func (f *Frame) Columns() []Column {
	if f == nil {
		return nil
	}
	return slices.Clone(f.cols)
}

// Names returns the column names in order.
func (f *Frame) Names() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.cols))
	for i, c := range f.cols {
		out[i] = c.Name
	}
	return out
}

// Has reports whether the frame has a column with the given name.
func (f *Frame) Has(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.pos[name]
	return ok
}

// Kind returns the kind of the named column, or KindUnknown.
func (f *Frame) Kind(name string) Kind {
	if i, ok := f.index(name); ok {
		return f.cols[i].Kind
	}
	return KindUnknown
}

func (f *Frame) index(name string) (int, bool) {
	if f == nil {
		return 0, false
	}
	i, ok := f.pos[name]
	return i, ok
}

// Append adds a row. Values are given in column order.
func (f *Frame) Append(vals ...any) error {
	if len(vals) != len(f.cols) {
		return fmt.Errorf("%w: got %d values for %d columns", ErrArity, len(vals), len(f.cols))
	}
	row := make([]any, len(vals))
	for i, v := range vals {
		row[i] = normalize(v)
	}
	f.rows = append(f.rows, row)
	return nil
}

// AppendMap adds a row from a name→value map. Names the frame does not know
// yet become new columns of unknown kind, back-filled with nulls.
func (f *Frame) AppendMap(m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		if _, ok := f.pos[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		f.addColumn(Column{Name: k})
	}
	row := make([]any, len(f.cols))
	for k, v := range m {
		row[f.pos[k]] = normalize(v)
	}
	f.rows = append(f.rows, row)
}

// Row returns a copy of row i in column order.
func (f *Frame) Row(i int) []any { return slices.Clone(f.rows[i]) }

// Value returns the cell at row i of the named column, or nil when the
// column does not exist.
func (f *Frame) Value(i int, name string) any {
	c, ok := f.index(name)
	if !ok {
		return nil
	}
	return f.rows[i][c]
}

// Col returns the values of the named column, or nil.
func (f *Frame) Col(name string) []any {
	c, ok := f.index(name)
	if !ok {
		return nil
	}
	out := make([]any, len(f.rows))
	for r, row := range f.rows {
		out[r] = row[c]
	}
	return out
}

// Records returns the rows as name→value maps, for JSON encoding.
func (f *Frame) Records() []map[string]any {
	out := make([]map[string]any, f.Len())
	for r := range out {
		m := make(map[string]any, len(f.cols))
		for c, col := range f.cols {
			m[col.Name] = f.rows[r][c]
		}
		out[r] = m
	}
	return out
}

// Equal reports whether both frames have the same column names in the same
// order and equal cells row by row. Kinds are not compared.
func (f *Frame) Equal(o *Frame) bool {
	if f.Len() != o.Len() || !slices.Equal(f.Names(), o.Names()) {
		return false
	}
	for r := range f.Len() {
		for c := range f.cols {
			if !Equal(f.rows[r][c], o.rows[r][c]) {
				return false
			}
		}
	}
	return true
}

// WithKinds returns a shallow copy whose column kinds are overridden by
// kinds. Cells are not converted; use Coerce for that.
func (f *Frame) WithKinds(kinds map[string]Kind) *Frame {
	out := f.like()
	for i := range out.cols {
		if k, ok := kinds[out.cols[i].Name]; ok {
			out.cols[i].Kind = k
		}
	}
	out.rows = f.rows
	return out
}

// like returns an empty frame with the same columns.
func (f *Frame) like() *Frame {
	if f == nil {
		return New()
	}
	return New(f.cols...)
}

func (f *Frame) take(idx []int) *Frame {
	out := f.like()
	out.rows = make([][]any, len(idx))
	for i, r := range idx {
		out.rows[i] = slices.Clone(f.rows[r])
	}
	return out
}
