package merge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/harvest/internal/colstore"
	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/harvest/internal/record"
)

var appendCfg = Config{Mode: ModeAppend, IndexCol: "date", Subset: []string{"code", "date"}}

// prices builds price/code/date rows for consecutive days from start.
func prices(t *testing.T, code, start string, vals ...float64) *frame.Frame {
	t.Helper()
	d0, err := time.Parse("2006-01-02", start)
	if err != nil {
		t.Fatal(err)
	}
	f := frame.New(
		frame.Column{Name: "price", Kind: frame.KindFloat},
		frame.Column{Name: "code", Kind: frame.KindString},
		frame.Column{Name: "date", Kind: frame.KindTime},
	)
	for i, v := range vals {
		f.Append(v, code, d0.AddDate(0, 0, i))
	}
	return f
}

func newStore(t *testing.T) *colstore.Store {
	t.Helper()
	s := colstore.Open(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { s.Close() })
	return s
}

// apply persists a plan the way the orchestrator does.
func apply(t *testing.T, s *colstore.Store, p Plan, rec record.Record) record.Record {
	t.Helper()
	rec.MaxIndex = p.MaxIndex
	w := colstore.Write{Rows: p.Rows, Rewrite: p.Write == WriteRewrite}
	if p.Write == WriteNone {
		w = colstore.Write{}
	}
	out, err := s.Commit(context.Background(), w, rec)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return out
}

func run(t *testing.T, e *Engine, s *colstore.Store, f *frame.Frame, rec record.Record, cfg Config) (Plan, record.Record) {
	t.Helper()
	p, err := e.Reconcile(context.Background(), s, f, rec, cfg)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return p, apply(t, s, p, rec)
}

func discard() *Engine { return New(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))) }

func TestValidate(t *testing.T) {
	// WHAT: Append without a subset and unknown modes are rejected.
	// WHY: Guessing a key silently would duplicate or drop rows.
	if err := (Config{Mode: ModeAppend, IndexCol: "date"}).Validate(); !errors.Is(err, ErrInvalidMergeConfig) {
		t.Errorf("append without subset: %v", err)
	}
	if err := (Config{Mode: "sideways"}).Validate(); !errors.Is(err, ErrInvalidMergeConfig) {
		t.Errorf("unknown mode: %v", err)
	}
	if err := (Config{Mode: ModeOverwrite}).Validate(); err != nil {
		t.Errorf("overwrite: %v", err)
	}
}

func TestOverwriteIdempotence(t *testing.T) {
	// WHAT: R1 then R2 in overwrite mode stores exactly R2.
	s := newStore(t)
	e := discard()
	cfg := Config{Mode: ModeOverwrite}
	r1 := prices(t, "000001", "2019-01-01", 1, 2, 3)
	r2 := prices(t, "000001", "2019-02-01", 1, 2, 3)
	_, rec := run(t, e, s, r1, record.Default("x"), cfg)
	p, _ := run(t, e, s, r2, rec, cfg)
	if p.Write != WriteRewrite {
		t.Errorf("write = %v", p.Write)
	}
	got, err := s.ReadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(r2) {
		t.Errorf("stored = %v", got.Records())
	}
}

func TestAppendNoOverlap(t *testing.T) {
	s := newStore(t)
	e := discard()
	r1 := prices(t, "000001", "2019-01-01", 1, 2, 3)
	r2 := prices(t, "000001", "2019-02-01", 1, 2, 3)
	_, rec := run(t, e, s, r1, record.Default("x"), appendCfg)
	p, rec := run(t, e, s, r2, rec, appendCfg)
	if p.Write != WriteAppend || p.BelowWatermark != 0 {
		t.Errorf("plan = %+v", p)
	}
	got, _ := s.ReadAll(context.Background())
	if !got.Equal(frame.Concat(r1, r2)) {
		t.Errorf("stored = %v", got.Records())
	}
	if rec.Rows != 6 || !frame.Equal(rec.MaxIndex, r2.Max("date")) {
		t.Errorf("record = %+v", rec)
	}
}

func TestAppendFullOverlap(t *testing.T) {
	// WHAT: Appending the same three rows twice keeps three rows.
	s := newStore(t)
	e := discard()
	r1 := prices(t, "000001", "2019-01-01", 1, 2, 3)
	_, rec := run(t, e, s, r1, record.Default("x"), appendCfg)
	p, rec := run(t, e, s, r1, rec, appendCfg)
	if p.Write != WriteNone {
		t.Errorf("write = %v, want none", p.Write)
	}
	if rec.Rows != 3 {
		t.Errorf("rows = %d, want 3", rec.Rows)
	}
}

func TestAppendPartialOverlapBelowWatermark(t *testing.T) {
	// WHAT: Stored 02-01..03 plus incoming 02-02..04 persists only 02-04 and warns.
	// WHY: Restated batches below the watermark must not duplicate stored rows.
	s := newStore(t)
	var logs bytes.Buffer
	e := New(slog.New(slog.NewTextHandler(&logs, nil)))

	_, rec := run(t, e, s, prices(t, "000001", "2019-02-01", 1, 2, 3), record.Default("x"), appendCfg)
	p, rec := run(t, e, s, prices(t, "000001", "2019-02-02", 2, 3, 4), rec, appendCfg)

	if p.Rows.Len() != 1 || !frame.Equal(p.Rows.Value(0, "date"), time.Date(2019, 2, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("persisted = %v", p.Rows.Records())
	}
	if p.BelowWatermark != 1 {
		t.Errorf("below = %d, want 1", p.BelowWatermark)
	}
	if !strings.Contains(logs.String(), "below watermark") {
		t.Errorf("warning not logged: %s", logs.String())
	}
	if rec.Rows != 4 {
		t.Errorf("rows = %d, want 4", rec.Rows)
	}
}

func TestAppendWithoutIndexKeepsFirst(t *testing.T) {
	// WHAT: Without an index column the stored row wins a key collision and the table is rewritten.
	s := newStore(t)
	e := discard()
	cfg := Config{Mode: ModeAppend, Subset: []string{"code"}}
	mk := func(rows ...[2]string) *frame.Frame {
		f := frame.New(frame.Column{Name: "code", Kind: frame.KindString}, frame.Column{Name: "info", Kind: frame.KindString})
		for _, r := range rows {
			f.Append(r[0], r[1])
		}
		return f
	}
	_, rec := run(t, e, s, mk([2]string{"000001", "a"}, [2]string{"000002", "b"}), record.Default("x"), cfg)
	p, rec := run(t, e, s, mk([2]string{"000002", "CHANGED"}, [2]string{"000003", "c"}), rec, cfg)

	if p.Write != WriteRewrite {
		t.Errorf("write = %v, want rewrite", p.Write)
	}
	got, _ := s.ReadAll(context.Background())
	if got.Len() != 3 || rec.Rows != 3 {
		t.Fatalf("stored = %v", got.Records())
	}
	if got.Value(1, "info") != "b" {
		t.Errorf("000002 info = %v, want first-seen b", got.Value(1, "info"))
	}

	p, _ = run(t, e, s, mk([2]string{"000001", "zzz"}), rec, cfg)
	if p.Write != WriteNone {
		t.Errorf("nothing new should not rewrite, got %v", p.Write)
	}
}

func TestReconcileByTwice(t *testing.T) {
	// WHAT: Backfilling the same entity rows twice adds nothing the second time.
	// WHY: Delisted entities are backfilled outside the bulk path and must stay idempotent.
	s := newStore(t)
	e := discard()
	_, rec := run(t, e, s, prices(t, "000001", "2019-02-03", 1, 2, 3), record.Default("x"), appendCfg)

	bulk := frame.Concat(prices(t, "000003", "2019-02-04", 1, 2, 1, 2), prices(t, "000001", "2019-02-03", 9))
	ctx := context.Background()

	p, err := e.ReconcileBy(ctx, s, bulk, rec, appendCfg, "code", "000003")
	if err != nil {
		t.Fatal(err)
	}
	if p.Rows.Len() != 4 {
		t.Fatalf("first backfill = %d rows, want 4", p.Rows.Len())
	}
	rec = apply(t, s, p, rec)

	p, err = e.ReconcileBy(ctx, s, bulk, rec, appendCfg, "code", "000003")
	if err != nil {
		t.Fatal(err)
	}
	if p.Write != WriteNone {
		t.Errorf("second backfill write = %v", p.Write)
	}
	rec = apply(t, s, p, rec)
	if rec.Rows != 7 {
		t.Errorf("rows = %d, want 7", rec.Rows)
	}

	if _, err := e.ReconcileBy(ctx, s, bulk, rec, Config{Mode: ModeAppend, Subset: []string{"code"}}, "code", "x"); !errors.Is(err, ErrInvalidMergeConfig) {
		t.Errorf("no index col: %v", err)
	}
}

func TestMissingIndexColumn(t *testing.T) {
	f := frame.New(frame.Column{Name: "code", Kind: frame.KindString})
	f.Append("a")
	_, err := discard().Reconcile(context.Background(), newStore(t), f, record.Default("x"), appendCfg)
	if !errors.Is(err, ErrInvalidMergeConfig) {
		t.Errorf("err = %v", err)
	}
}
