package frame

import (
	"slices"
	"sort"
)

// Keep selects which row survives among duplicates.
type Keep uint8

const (
	KeepFirst Keep = iota
	KeepLast
	KeepNone
)

// Concat stacks frames vertically. The result has the union of all columns
// by name, in order of first appearance; missing cells are null.
func Concat(frames ...*Frame) *Frame {
	out := New()
	for _, f := range frames {
		if f == nil {
			continue
		}
		for _, c := range f.cols {
			out.addColumn(c)
		}
	}
	for _, f := range frames {
		if f == nil {
			continue
		}
		m := make([]int, len(f.cols))
		for i, c := range f.cols {
			m[i] = out.pos[c.Name]
		}
		for _, row := range f.rows {
			nr := make([]any, len(out.cols))
			for i, v := range row {
				nr[m[i]] = v
			}
			out.rows = append(out.rows, nr)
		}
	}
	return out
}

// keyer builds row keys over a subset of columns. A subset column missing
// from the frame contributes a null to every key.
type keyer struct {
	idx []int
	buf []byte
}

func (f *Frame) keyer(subset []string) *keyer {
	k := &keyer{}
	if len(subset) == 0 {
		for i := range f.cols {
			k.idx = append(k.idx, i)
		}
		return k
	}
	for _, name := range subset {
		i, ok := f.index(name)
		if !ok {
			i = -1
		}
		k.idx = append(k.idx, i)
	}
	return k
}

func (k *keyer) key(row []any) string {
	k.buf = k.buf[:0]
	for _, i := range k.idx {
		var v any
		if i >= 0 {
			v = row[i]
		}
		k.buf = appendKey(k.buf, v)
		k.buf = append(k.buf, 0)
	}
	return string(k.buf)
}

// DropDuplicates removes rows whose values over subset repeat. An empty
// subset compares all columns. Surviving rows keep their relative order.
func (f *Frame) DropDuplicates(subset []string, keep Keep) *Frame {
	k := f.keyer(subset)
	keys := make([]string, f.Len())
	count := make(map[string]int, f.Len())
	for r, row := range f.rows {
		keys[r] = k.key(row)
		count[keys[r]]++
	}
	seen := make(map[string]int, len(count))
	var idx []int
	for r, key := range keys {
		seen[key]++
		switch keep {
		case KeepFirst:
			if seen[key] == 1 {
				idx = append(idx, r)
			}
		case KeepLast:
			if seen[key] == count[key] {
				idx = append(idx, r)
			}
		case KeepNone:
			if count[key] == 1 {
				idx = append(idx, r)
			}
		}
	}
	return f.take(idx)
}

// AntiJoin returns the rows of f whose subset key does not occur in other.
func (f *Frame) AntiJoin(other *Frame, subset []string) *Frame {
	if other.Len() == 0 {
		return f.take(allRows(f.Len()))
	}
	ok := other.keyer(subset)
	present := make(map[string]struct{}, other.Len())
	for _, row := range other.rows {
		present[ok.key(row)] = struct{}{}
	}
	fk := f.keyer(subset)
	var idx []int
	for r, row := range f.rows {
		if _, hit := present[fk.key(row)]; !hit {
			idx = append(idx, r)
		}
	}
	return f.take(idx)
}

// Filter returns the rows for which keep returns true. keep receives the
// row index, usable with Value.
func (f *Frame) Filter(keep func(i int) bool) *Frame {
	var idx []int
	for r := range f.Len() {
		if keep(r) {
			idx = append(idx, r)
		}
	}
	return f.take(idx)
}

// SortBy returns the rows stably sorted ascending on the named column,
// nulls last. An unknown column returns an unsorted copy.
func (f *Frame) SortBy(name string) *Frame {
	idx := allRows(f.Len())
	c, ok := f.index(name)
	if ok {
		sort.SliceStable(idx, func(a, b int) bool {
			va, vb := f.rows[idx[a]][c], f.rows[idx[b]][c]
			if vb == nil {
				return va != nil
			}
			if va == nil {
				return false
			}
			return Compare(va, vb) < 0
		})
	}
	return f.take(idx)
}

// Max returns the largest non-null value of the named column, or nil.
func (f *Frame) Max(name string) any { return f.extreme(name, 1) }

// Min returns the smallest non-null value of the named column, or nil.
func (f *Frame) Min(name string) any { return f.extreme(name, -1) }

func (f *Frame) extreme(name string, sign int) any {
	c, ok := f.index(name)
	if !ok {
		return nil
	}
	var best any
	for _, row := range f.rows {
		v := row[c]
		if v == nil {
			continue
		}
		if best == nil || Compare(v, best)*sign > 0 {
			best = v
		}
	}
	return best
}

// Distinct returns the distinct non-null values of the named column in
// order of first appearance.
func (f *Frame) Distinct(name string) []any {
	c, ok := f.index(name)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	var out []any
	var buf []byte
	for _, row := range f.rows {
		v := row[c]
		if v == nil {
			continue
		}
		buf = appendKey(buf[:0], v)
		if _, dup := seen[string(buf)]; dup {
			continue
		}
		seen[string(buf)] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Select returns a frame restricted to the named columns, in the given
// order. Unknown names are skipped.
func (f *Frame) Select(names ...string) *Frame {
	var cols []Column
	var src []int
	for _, n := range names {
		if i, ok := f.index(n); ok {
			cols = append(cols, f.cols[i])
			src = append(src, i)
		}
	}
	out := New(cols...)
	out.rows = make([][]any, f.Len())
	for r, row := range f.rows {
		nr := make([]any, len(src))
		for i, s := range src {
			nr[i] = row[s]
		}
		out.rows[r] = nr
	}
	return out
}

// Head returns the first n rows.
func (f *Frame) Head(n int) *Frame {
	n = min(max(n, 0), f.Len())
	return f.take(allRows(n))
}

func allRows(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// ContainsAll reports whether every name is a column of f.
func (f *Frame) ContainsAll(names []string) bool {
	return !slices.ContainsFunc(names, func(n string) bool { return !f.Has(n) })
}
