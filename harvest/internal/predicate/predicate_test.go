package predicate

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/frame"
)

func TestBuildDropsNullTriples(t *testing.T) {
	// WHAT: Triples with no column or a null value are dropped.
	// WHY: A nil bound means "no constraint", not "equals null".
	e, err := Build(time.UTC,
		T("", Gte, 1),
		T("a", Lte, nil),
		T("b", Eq, math.NaN()),
		T("c", Gt, time.Time{}),
		T("d", Lt, 5),
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := e.Conds(); len(got) != 1 || got[0].Column != "d" {
		t.Fatalf("conds = %v", got)
	}
	empty, _ := Build(time.UTC, T("a", Eq, nil))
	if !empty.IsEmpty() || empty.String() != "true" {
		t.Errorf("empty expr = %s", empty)
	}
}

func TestFromSlicesArity(t *testing.T) {
	// WHAT: A triple with two or four elements is rejected.
	_, err := FromSlices(time.UTC, [][]any{{"a", ">="}})
	if !errors.Is(err, ErrInvalidPredicate) {
		t.Fatalf("err = %v, want ErrInvalidPredicate", err)
	}
	_, err = FromSlices(time.UTC, [][]any{{"a", ">=", 1, 2}})
	if !errors.Is(err, ErrInvalidPredicate) {
		t.Fatalf("err = %v, want ErrInvalidPredicate", err)
	}
	_, err = FromSlices(time.UTC, [][]any{{"a", "~", 1}})
	if !errors.Is(err, ErrInvalidPredicate) {
		t.Fatalf("unknown op err = %v", err)
	}
	e, err := FromSlices(time.UTC, [][]any{{nil, ">=", 1}, {"a", "=", 1}})
	if err != nil || len(e.Conds()) != 1 || e.Conds()[0].Op != Eq {
		t.Fatalf("e = %v err = %v", e, err)
	}
}

func TestBuildNormalizesZonedTime(t *testing.T) {
	// WHAT: A zoned time becomes the naive wall clock of loc.
	// WHY: Stored times are naive; comparing an aware time would be off by the offset.
	loc := time.FixedZone("CST", 8*3600)
	in := time.Date(2019, 1, 1, 0, 0, 0, 0, time.FixedZone("Z", 0))
	e, err := Build(loc, T("date", Gte, in))
	if err != nil {
		t.Fatal(err)
	}
	got := e.Conds()[0].Value.(time.Time)
	want := time.Date(2019, 1, 1, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("value = %v, want %v", got, want)
	}
}

func TestApply(t *testing.T) {
	f := frame.New(frame.Column{Name: "date", Kind: frame.KindTime}, frame.Column{Name: "v", Kind: frame.KindInt})
	for d := 1; d <= 5; d++ {
		f.Append(time.Date(2019, 1, d, 0, 0, 0, 0, time.UTC), int64(d))
	}
	f.Append(nil, int64(9))

	e, err := FromSlices(time.UTC, [][]any{{"date", ">=", "2019-01-02"}, {"date", "<", "2019-01-05"}})
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Apply(f, time.UTC)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Len() != 3 {
		t.Fatalf("len = %d, want 3", out.Len())
	}
	all, _ := All.Apply(f, time.UTC)
	if all.Len() != f.Len() {
		t.Errorf("All matched %d of %d", all.Len(), f.Len())
	}

	bad, _ := FromSlices(time.UTC, [][]any{{"v", "==", "not-a-number"}})
	if _, err := bad.Apply(f, time.UTC); !errors.Is(err, ErrInvalidPredicate) {
		t.Errorf("err = %v, want ErrInvalidPredicate", err)
	}
}
