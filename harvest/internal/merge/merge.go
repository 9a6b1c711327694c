// Package merge reconciles freshly fetched rows with a dataset's stored
// rows. It decides what to persist and how (append or full rewrite) and
// computes the new watermark. It never writes anything itself.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/harvest/harvest/internal/colstore"
	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/harvest/internal/predicate"
	"github.com/hazyhaar/harvest/harvest/internal/record"
)

// ErrInvalidMergeConfig reports a dataset configuration the engine cannot
// merge with, such as an append dataset without a uniqueness subset.
var ErrInvalidMergeConfig = errors.New("merge: invalid merge configuration")

// Mode is the refresh mode of a dataset.
type Mode string

const (
	ModeAppend    Mode = "append"
	ModeOverwrite Mode = "overwrite"
)

// Write is how a plan's rows must be persisted.
type Write int

const (
	WriteNone Write = iota
	WriteAppend
	WriteRewrite
)

func (w Write) String() string {
	switch w {
	case WriteAppend:
		return "append"
	case WriteRewrite:
		return "rewrite"
	}
	return "none"
}

// Config is the merge-relevant part of a dataset definition.
type Config struct {
	Mode     Mode
	IndexCol string
	Subset   []string
}

// Validate checks the configuration. Append mode needs a subset; the index
// column is optional and its absence selects the full-rewrite path.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeAppend:
		if len(c.Subset) == 0 {
			return fmt.Errorf("%w: append mode requires a uniqueness subset", ErrInvalidMergeConfig)
		}
	case ModeOverwrite:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidMergeConfig, c.Mode)
	}
	return nil
}

// Reader is the read side of a dataset store.
type Reader interface {
	HasData(ctx context.Context) (bool, error)
	ReadAll(ctx context.Context) (*frame.Frame, error)
	ReadFiltered(ctx context.Context, expr predicate.Expr) (*frame.Frame, error)
	MaxValue(ctx context.Context, col string) (any, error)
}

// Plan is the outcome of a reconciliation.
type Plan struct {
	Rows  *frame.Frame
	Write Write
	// MaxIndex is the watermark after the plan is committed.
	MaxIndex any
	// BelowWatermark counts incoming rows whose index is lower than the
	// stored watermark.
	BelowWatermark int
}

// Engine runs reconciliations. The zero value is not usable; use New.
type Engine struct {
	logger *slog.Logger
}

// New returns an Engine. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Reconcile computes what to persist for incoming given the stored rows
// behind r and the dataset's current record.
//
// Overwrite mode replaces the table with incoming (deduplicated on the
// subset, first row wins). In append mode:
//   - an empty store takes incoming as is;
//   - without an index column, stored and incoming rows are merged,
//     deduplicated with the stored row winning, and the table is rewritten;
//   - with an index column, only stored rows at or above the lowest
//     incoming index are read, and incoming rows not already present are
//     appended.
func (e *Engine) Reconcile(ctx context.Context, r Reader, incoming *frame.Frame, rec record.Record, cfg Config) (Plan, error) {
	if err := cfg.Validate(); err != nil {
		return Plan{}, err
	}
	plan := Plan{MaxIndex: rec.MaxIndex}
	if incoming.IsEmpty() {
		return plan, nil
	}
	if cfg.IndexCol != "" && !incoming.Has(cfg.IndexCol) {
		return Plan{}, fmt.Errorf("%w: index column %q missing from rows", ErrInvalidMergeConfig, cfg.IndexCol)
	}

	if cfg.Mode == ModeOverwrite {
		plan.Rows = incoming
		if len(cfg.Subset) > 0 {
			plan.Rows = dedup(incoming, cfg.Subset)
		}
		plan.Write = WriteRewrite
		if cfg.IndexCol != "" {
			plan.MaxIndex = plan.Rows.Max(cfg.IndexCol)
		}
		return plan, nil
	}

	has, err := r.HasData(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("merge: has data: %w", err)
	}
	if !has {
		plan.Rows = incoming
		plan.Write = WriteAppend
		plan.MaxIndex = e.watermark(rec.MaxIndex, incoming, cfg.IndexCol)
		return plan, nil
	}

	if cfg.IndexCol == "" {
		return e.rewrite(ctx, r, incoming, plan, cfg)
	}
	return e.appendTail(ctx, r, incoming, rec, plan, cfg)
}

func (e *Engine) rewrite(ctx context.Context, r Reader, incoming *frame.Frame, plan Plan, cfg Config) (Plan, error) {
	old, err := r.ReadAll(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("merge: read stored rows: %w", err)
	}
	fresh := dedup(incoming.AntiJoin(old, cfg.Subset), cfg.Subset)
	if fresh.IsEmpty() {
		return plan, nil
	}
	plan.Rows = frame.Concat(old, incoming).DropDuplicates(cfg.Subset, frame.KeepFirst)
	plan.Write = WriteRewrite
	return plan, nil
}

func (e *Engine) appendTail(ctx context.Context, r Reader, incoming *frame.Frame, rec record.Record, plan Plan, cfg Config) (Plan, error) {
	stored := rec.MaxIndex
	if stored == nil {
		v, err := r.MaxValue(ctx, cfg.IndexCol)
		if err != nil {
			return Plan{}, fmt.Errorf("merge: stored max %s: %w", cfg.IndexCol, err)
		}
		stored = v
	}
	low := incoming.Min(cfg.IndexCol)
	if stored != nil {
		for i := range incoming.Len() {
			if v := incoming.Value(i, cfg.IndexCol); v != nil && frame.Compare(v, stored) < 0 {
				plan.BelowWatermark++
			}
		}
	}
	if plan.BelowWatermark > 0 {
		e.logger.Warn("merge: incoming rows below watermark",
			"index_col", cfg.IndexCol, "watermark", stored, "incoming_min", low, "rows", plan.BelowWatermark)
	}

	old := frame.New()
	if low != nil {
		expr, err := predicate.Build(nil, predicate.T(cfg.IndexCol, predicate.Gte, low))
		if err != nil {
			return Plan{}, err
		}
		old, err = r.ReadFiltered(ctx, expr)
		if errors.Is(err, colstore.ErrEmptyDataset) {
			old, err = frame.New(), nil
		}
		if err != nil {
			return Plan{}, fmt.Errorf("merge: read tail: %w", err)
		}
	}

	survivors := dedup(incoming.AntiJoin(old, cfg.Subset), cfg.Subset)
	plan.MaxIndex = e.watermark(stored, survivors, cfg.IndexCol)
	if survivors.IsEmpty() {
		return plan, nil
	}
	plan.Rows = survivors
	plan.Write = WriteAppend
	return plan, nil
}

// ReconcileBy is the keyed backfill path: it keeps the incoming rows whose
// by column equals value and whose index value is not yet stored for that
// entity. The result is always appended.
func (e *Engine) ReconcileBy(ctx context.Context, r Reader, incoming *frame.Frame, rec record.Record, cfg Config, by string, value any) (Plan, error) {
	if cfg.IndexCol == "" {
		return Plan{}, fmt.Errorf("%w: keyed backfill requires an index column", ErrInvalidMergeConfig)
	}
	if by == "" || frame.IsNull(value) {
		return Plan{}, fmt.Errorf("%w: keyed backfill requires a column and a value", ErrInvalidMergeConfig)
	}
	plan := Plan{MaxIndex: rec.MaxIndex}
	sel := incoming.Filter(func(i int) bool {
		v := incoming.Value(i, by)
		if v == nil {
			return false
		}
		cv, ok := frame.Convert(value, frame.KindOf(v), nil)
		return ok && frame.Equal(v, cv)
	})
	if sel.IsEmpty() {
		return plan, nil
	}

	old := frame.New()
	has, err := r.HasData(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("merge: has data: %w", err)
	}
	if has {
		expr, err := predicate.Build(nil, predicate.T(by, predicate.Eq, value))
		if err != nil {
			return Plan{}, err
		}
		old, err = r.ReadFiltered(ctx, expr)
		if errors.Is(err, colstore.ErrEmptyDataset) {
			old, err = frame.New(), nil
		}
		if err != nil {
			return Plan{}, fmt.Errorf("merge: read %s=%v: %w", by, value, err)
		}
	}

	key := cfg.Subset
	if len(key) == 0 {
		key = []string{by, cfg.IndexCol}
	}
	add := dedup(sel.AntiJoin(old, []string{cfg.IndexCol}), key)
	plan.MaxIndex = e.watermark(rec.MaxIndex, add, cfg.IndexCol)
	if add.IsEmpty() {
		return plan, nil
	}
	plan.Rows = add
	plan.Write = WriteAppend
	return plan, nil
}

// watermark returns the larger of prev and the highest index in rows.
func (e *Engine) watermark(prev any, rows *frame.Frame, indexCol string) any {
	if indexCol == "" {
		return prev
	}
	hi := rows.Max(indexCol)
	if hi == nil {
		return prev
	}
	if prev == nil || frame.Compare(hi, prev) > 0 {
		return hi
	}
	return prev
}

func dedup(f *frame.Frame, subset []string) *frame.Frame {
	return f.DropDuplicates(subset, frame.KeepFirst)
}
