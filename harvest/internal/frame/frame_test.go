package frame

import (
	"errors"
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func sample(t *testing.T) *Frame {
	t.Helper()
	f := New(Column{"date", KindTime}, Column{"code", KindString}, Column{"close", KindFloat})
	rows := [][]any{
		{day("2024-01-02"), "A", 1.0},
		{day("2024-01-03"), "A", 2.0},
		{day("2024-01-02"), "B", 3.0},
		{day("2024-01-03"), "A", 2.0},
	}
	for _, r := range rows {
		if err := f.Append(r...); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return f
}

func TestAppendArity(t *testing.T) {
	// WHAT: A row with the wrong number of values is rejected.
	// WHY: Misaligned rows would silently shift values into wrong columns.
	f := New(Column{"a", KindInt})
	err := f.Append(int64(1), int64(2))
	if !errors.Is(err, ErrArity) {
		t.Fatalf("err = %v, want ErrArity", err)
	}
	if f.Len() != 0 {
		t.Errorf("len = %d, want 0", f.Len())
	}
}

func TestAppendMapAddsColumns(t *testing.T) {
	// WHAT: Unknown keys become new columns, earlier rows get nulls.
	// WHY: JSON sources do not always return every field on every row.
	f := New()
	f.AppendMap(map[string]any{"a": 1})
	f.AppendMap(map[string]any{"a": 2, "b": "x"})
	if got := f.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("names = %v", got)
	}
	if f.Value(0, "b") != nil {
		t.Errorf("back-filled cell = %v, want nil", f.Value(0, "b"))
	}
	if f.Value(1, "a") != int64(2) {
		t.Errorf("int normalised: got %T", f.Value(1, "a"))
	}
}

func TestDropDuplicatesKeep(t *testing.T) {
	// WHAT: keep=first/last/none semantics over a subset.
	// WHY: The merge engine relies on keep=first to prefer stored rows.
	f := sample(t)
	first := f.DropDuplicates([]string{"date", "code"}, KeepFirst)
	if first.Len() != 3 {
		t.Fatalf("first len = %d, want 3", first.Len())
	}
	if first.Value(2, "code") != "B" {
		t.Errorf("order not preserved: %v", first.Records())
	}
	last := f.DropDuplicates([]string{"date", "code"}, KeepLast)
	if last.Len() != 3 || last.Value(2, "code") != "A" {
		t.Errorf("last = %v", last.Records())
	}
	none := f.DropDuplicates([]string{"date", "code"}, KeepNone)
	if none.Len() != 2 {
		t.Errorf("none len = %d, want 2", none.Len())
	}
	all := f.DropDuplicates(nil, KeepFirst)
	if all.Len() != 3 {
		t.Errorf("full-row dedup len = %d, want 3", all.Len())
	}
}

func TestDropDuplicatesNumericKey(t *testing.T) {
	// WHAT: 3 and 3.0 collide as keys.
	// WHY: Stored REAL columns and freshly parsed ints must dedup together.
	f := New(Column{"v", KindUnknown})
	f.Append(int64(3))
	f.Append(3.0)
	if got := f.DropDuplicates(nil, KeepFirst).Len(); got != 1 {
		t.Errorf("len = %d, want 1", got)
	}
}

func TestAntiJoin(t *testing.T) {
	// WHAT: Rows present in the other frame are removed.
	f := sample(t)
	other := New(Column{"date", KindTime}, Column{"code", KindString})
	other.Append(day("2024-01-03"), "A")
	got := f.AntiJoin(other, []string{"date", "code"})
	if got.Len() != 2 {
		t.Fatalf("len = %d, want 2", got.Len())
	}
	if got := f.AntiJoin(New(), []string{"date"}); got.Len() != f.Len() {
		t.Errorf("anti-join with empty: len = %d", got.Len())
	}
}

func TestConcatUnion(t *testing.T) {
	// WHAT: Concat unions columns by name and pads missing cells.
	a := New(Column{"x", KindInt})
	a.Append(int64(1))
	b := New(Column{"y", KindString}, Column{"x", KindInt})
	b.Append("s", int64(2))
	c := Concat(a, nil, b)
	if c.Len() != 2 {
		t.Fatalf("len = %d", c.Len())
	}
	if c.Value(0, "y") != nil || c.Value(1, "x") != int64(2) {
		t.Errorf("rows = %v", c.Records())
	}
}

func TestSortByNullsLast(t *testing.T) {
	f := New(Column{"v", KindInt})
	for _, v := range []any{int64(3), nil, int64(1), int64(2)} {
		f.Append(v)
	}
	s := f.SortBy("v")
	want := []any{int64(1), int64(2), int64(3), nil}
	for i, w := range want {
		if s.Value(i, "v") != w {
			t.Errorf("row %d = %v, want %v", i, s.Value(i, "v"), w)
		}
	}
	if f.Value(0, "v") != int64(3) {
		t.Error("SortBy mutated its receiver")
	}
}

func TestMaxMinDistinct(t *testing.T) {
	f := sample(t)
	if got := f.Max("date"); !Equal(got, day("2024-01-03")) {
		t.Errorf("max = %v", got)
	}
	if got := f.Min("close"); got != 1.0 {
		t.Errorf("min = %v", got)
	}
	if got := f.Distinct("code"); len(got) != 2 || got[0] != "A" {
		t.Errorf("distinct = %v", got)
	}
	if f.Max("missing") != nil {
		t.Error("max of unknown column should be nil")
	}
}

func TestCoerce(t *testing.T) {
	// WHAT: Declared kinds convert strings, nulls and separators.
	// WHY: Upstream tables print numbers as text with commas and percents.
	f := New()
	f.AppendMap(map[string]any{"date": "2024-01-02", "vol": "1,234", "pct": "5.5%", "name": "x", "n": "--"})
	f.AppendMap(map[string]any{"date": "20240103", "vol": "oops", "pct": 1, "name": 7, "n": 2})
	out, rep := f.Coerce(map[string]Kind{
		"date": KindTime, "vol": KindInt, "pct": KindFloat, "name": KindString,
	}, time.UTC)

	if !Equal(out.Value(0, "date"), day("2024-01-02")) || !Equal(out.Value(1, "date"), day("2024-01-03")) {
		t.Errorf("dates = %v", out.Col("date"))
	}
	if out.Value(0, "vol") != int64(1234) {
		t.Errorf("vol = %v", out.Value(0, "vol"))
	}
	if out.Value(1, "vol") != nil || rep["vol"] != 1 {
		t.Errorf("bad vol not nulled: %v report=%v", out.Value(1, "vol"), rep)
	}
	if out.Value(0, "pct") != 5.5 || out.Value(1, "pct") != 1.0 {
		t.Errorf("pct = %v", out.Col("pct"))
	}
	if out.Value(1, "name") != "7" {
		t.Errorf("name = %v", out.Value(1, "name"))
	}
	if out.Kind("n") != KindInt || out.Value(0, "n") != nil {
		t.Errorf("inferred n: kind=%v v=%v", out.Kind("n"), out.Value(0, "n"))
	}
	if rep.Total() != 1 {
		t.Errorf("report total = %d", rep.Total())
	}
}

func TestNaive(t *testing.T) {
	// WHAT: Aware times become the wall clock of the configured zone.
	// WHY: Storage is timezone-naive; a UTC instant must land on the local date.
	sh, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	in := time.Date(2024, 1, 1, 20, 0, 0, 0, time.FixedZone("X", 0))
	got := Naive(in, sh)
	want := time.Date(2024, 1, 2, 4, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("Naive = %v, want %v", got, want)
	}
	already := day("2024-05-05")
	if !Naive(already, sh).Equal(already) {
		t.Error("naive input must be unchanged")
	}
}

func TestKindText(t *testing.T) {
	var k Kind
	if err := k.UnmarshalText([]byte("d")); err != nil || k != KindTime {
		t.Errorf("d → %v, %v", k, err)
	}
	if err := k.UnmarshalText([]byte("blob")); err == nil {
		t.Error("expected error for unknown kind")
	}
}
