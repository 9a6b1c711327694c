package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/calendar"
	"github.com/hazyhaar/harvest/harvest/internal/catalog"
	"github.com/hazyhaar/harvest/harvest/internal/colstore"
	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/harvest/internal/merge"
	"github.com/hazyhaar/harvest/harvest/internal/metrics"
	"github.com/hazyhaar/harvest/harvest/internal/record"
	"github.com/hazyhaar/harvest/harvest/internal/registry"
	"github.com/hazyhaar/harvest/harvest/internal/source"
)

type runOptions struct {
	force bool
}

// RunOption tunes a single RefreshOne call.
type RunOption func(*runOptions)

// Force bypasses the next-time and throttle checks.
func Force() RunOption { return func(r *runOptions) { r.force = true } }

// RefreshOne runs one cycle for key. Fetch failures are not errors: they
// end in StateFailed with the failure recorded in the record memo. The
// returned error reports what must not be retried blindly: an unknown
// dataset, a merge configuration defect, a width overflow or a failed
// commit. In that last case nothing was persisted.
func (o *Orchestrator) RefreshOne(ctx context.Context, key registry.Key, opts ...RunOption) (Outcome, error) {
	var ro runOptions
	for _, fn := range opts {
		fn(&ro)
	}
	start := time.Now()
	out := Outcome{Key: key, CycleID: o.newID()}

	entry, err := o.reg.Entry(key)
	if err != nil {
		out.State, out.Err = StateFailed, err
		return out, err
	}
	unlock, ok := o.lock(key)
	if !ok {
		out.State, out.Reason = StateBusy, "cycle in progress"
		o.logger.Info("refresh: dataset busy", "dataset", key.String())
		metrics.CyclesTotal.WithLabelValues(key.Category, string(StateBusy)).Inc()
		return out, nil
	}
	defer unlock()

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	err = o.cycle(ctx, entry, key, ro, &out)
	out.Duration = time.Since(start)
	if err != nil {
		out.State, out.Err = StateFailed, err
		o.logger.Error("refresh: cycle failed", "dataset", key.String(), "error", err)
	}
	o.logCycle(ctx, &out, "")
	if out.State != StateSkipped {
		metrics.CycleDuration.WithLabelValues(key.Category).Observe(out.Duration.Seconds())
	}
	metrics.CyclesTotal.WithLabelValues(key.Category, string(out.State)).Inc()
	return out, err
}

func (o *Orchestrator) cycle(ctx context.Context, entry registry.Entry, key registry.Key, ro runOptions, out *Outcome) error {
	store, err := o.open(key)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.ReadRecord(ctx)
	if err != nil {
		return fmt.Errorf("refresh: read record: %w", err)
	}
	rec.IndexCol = entry.IndexCol
	rec.Subset = entry.MergeConfig().Subset
	rec.Freq = string(entry.Freq)
	out.Record = rec

	now := o.now()
	if !ro.force {
		if ok, reason := rec.Eligible(now, o.throttle(entry)); !ok {
			out.State, out.Reason = StateSkipped, reason
			o.logger.Debug("refresh: skipped", "dataset", key.String(), "reason", reason, "next_time", rec.NextTime)
			return nil
		}
	}

	req, ok := o.window(entry, key, rec, now, ro.force)
	if !ok {
		out.State, out.Reason = StateSkipped, ReasonCurrent
		o.logger.Debug("refresh: skipped", "dataset", key.String(), "reason", ReasonCurrent, "start", req.Start)
		return nil
	}
	hadData := rec.HasData()

	rows, fetchErr := o.fetch(ctx, req, &rec, now)
	out.Attempts = rec.RetryTimes
	out.FetchErr = fetchErr
	rows, err = o.normalize(entry, key, rows, &rec, now)
	if err != nil {
		return err
	}

	// Rows of an incomplete fetch are never persisted.
	plan := merge.Plan{MaxIndex: rec.MaxIndex}
	if rec.Completed {
		plan, err = o.engine.Reconcile(ctx, store, rows, rec, entry.MergeConfig())
		if err != nil {
			return err
		}
		rec.MaxIndex = plan.MaxIndex
	}
	committed, err := store.Commit(ctx, o.write(entry, plan), rec)
	if err != nil {
		return fmt.Errorf("refresh: commit: %w", err)
	}

	out.Record = committed
	out.Write = plan.Write.String()
	out.Rows = plan.Rows.Len()
	out.Below = plan.BelowWatermark
	if plan.BelowWatermark > 0 {
		metrics.BelowWatermarkTotal.WithLabelValues(key.Category).Add(float64(plan.BelowWatermark))
	}
	if out.Rows > 0 {
		metrics.RowsWrittenTotal.WithLabelValues(key.Category, out.Write).Add(float64(out.Rows))
	}
	if !committed.Completed {
		out.State, out.Reason = StateFailed, committed.Memo
		o.logger.Warn("refresh: fetch failed, record only", "dataset", key.String(), "attempts", committed.RetryTimes, "memo", committed.Memo)
		return nil
	}
	out.State = StateCommitted
	o.logger.Info("refresh: committed", "dataset", key.String(), "write", out.Write,
		"rows", out.Rows, "total", committed.Rows, "max_index", committed.MaxIndex, "next_time", committed.NextTime)

	if entry.EntityCol != "" && hadData {
		out.Backfilled = o.backfillGaps(ctx, entry, key, store, req, &out.Record)
	}
	return nil
}

// window computes the fetch request of a cycle. It reports false when the
// window is empty.
func (o *Orchestrator) window(entry registry.Entry, key registry.Key, rec record.Record, now time.Time, force bool) (source.Request, bool) {
	from := rec.NextTime
	if entry.Windowing == registry.WindowLastDate {
		from = rec.LastDate
	}
	start := midnight(maxTime(entry.MinDate, from))
	if force && start.After(now) {
		start = midnight(now)
	}
	req := source.Request{Category: key.Category, Sub: key.Sub, Start: start, End: now}
	return req, !start.After(now)
}

// fetch runs the counted retry loop. The returned rows are nil unless an
// attempt succeeded; otherwise the last attempt's error is returned.
func (o *Orchestrator) fetch(ctx context.Context, req source.Request, rec *record.Record, now time.Time) (*frame.Frame, *FetchError) {
	rec.Start()
	var last *FetchError
	for attempt := 1; attempt <= o.config.RetryTimesMax; attempt++ {
		if attempt > 1 {
			o.reset(ctx, req.Category)
			if err := sleepCtx(ctx, o.config.RetryBackoff*time.Duration(attempt-1)); err != nil {
				last = &FetchError{Attempt: attempt - 1, Err: err}
				rec.Fail(attempt-1, err, now)
				return nil, last
			}
		}
		rows, err := o.fetcher.Fetch(ctx, req)
		if err == nil {
			metrics.FetchAttemptsTotal.WithLabelValues(req.Category, "ok").Inc()
			rec.Succeed(attempt, now)
			if rows == nil {
				rows = frame.New()
			}
			return rows, nil
		}
		metrics.FetchAttemptsTotal.WithLabelValues(req.Category, "error").Inc()
		last = &FetchError{Attempt: attempt, Err: err}
		rec.Fail(attempt, err, now)
		o.logger.Warn("refresh: fetch attempt failed", "dataset", req.Key(), "attempt", attempt,
			"max", o.config.RetryTimesMax, "error", err)
		if ctx.Err() != nil {
			return nil, last
		}
	}
	return nil, last
}

// normalize coerces kinds, restricts to the declared data columns, sorts by
// the index column and advances last_date and next_time. It runs after
// failed fetches too, with no rows.
func (o *Orchestrator) normalize(entry registry.Entry, key registry.Key, rows *frame.Frame, rec *record.Record, now time.Time) (*frame.Frame, error) {
	if rows == nil {
		rows = frame.New()
	}
	rows, report := rows.Coerce(entry.Kinds(), o.config.Location)
	if n := report.Total(); n > 0 {
		metrics.CoercionNullsTotal.WithLabelValues(key.Category).Add(float64(n))
		o.logger.Warn("refresh: unconvertible cells nulled", "dataset", key.String(), "cells", n, "columns", report)
	}
	if len(entry.DataColumns) > 0 && !rows.IsEmpty() {
		rows = rows.Select(entry.DataColumns...)
	}
	if entry.IndexCol != "" && !rows.IsEmpty() {
		if !rows.Has(entry.IndexCol) {
			return nil, fmt.Errorf("%w: %s: index column %q missing from fetched rows", merge.ErrInvalidMergeConfig, key, entry.IndexCol)
		}
		rows = rows.SortBy(entry.IndexCol)
		if entry.Windowing == registry.WindowLastDate {
			if t, ok := rows.Max(entry.IndexCol).(time.Time); ok && t.After(rec.LastDate) {
				rec.LastDate = t
			}
		}
	}
	if rec.Completed {
		rec.NextTime = calendar.NextUpdate(now, entry.Freq, entry.RefreshHour)
	}
	return rows, nil
}

func (o *Orchestrator) write(entry registry.Entry, plan merge.Plan) colstore.Write {
	if plan.Write == merge.WriteNone {
		return colstore.Write{}
	}
	return colstore.Write{
		Rows:      plan.Rows,
		Rewrite:   plan.Write == merge.WriteRewrite,
		Index:     entry.IndexColumns(),
		MinWidths: entry.StringWidths,
	}
}

// logCycle appends the cycle to the catalog. Failures are logged only.
func (o *Orchestrator) logCycle(ctx context.Context, out *Outcome, entity string) {
	if o.catalog == nil {
		return
	}
	memo := out.Record.Memo
	if out.Err != nil {
		memo = out.Err.Error()
	} else if out.Reason != "" && out.State != StateFailed {
		memo = out.Reason
	}
	write := out.Write
	if write == "" {
		write = merge.WriteNone.String()
	}
	c := &catalog.Cycle{
		ID:          out.CycleID,
		Dataset:     out.Key.String(),
		Entity:      entity,
		State:       string(out.State),
		Attempts:    out.Attempts,
		RowsWritten: int64(out.Rows),
		RowCount:    out.Record.Rows,
		WriteMode:   write,
		Memo:        memo,
		StartedAt:   time.Now().Add(-out.Duration).UnixMilli(),
		DurationMs:  out.Duration.Milliseconds(),
	}
	if err := o.catalog.InsertCycle(context.WithoutCancel(ctx), c); err != nil {
		o.logger.Warn("refresh: cycle log failed", "dataset", c.Dataset, "error", err)
	}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// IsFatal reports whether err is a configuration defect that retrying the
// cycle cannot fix.
func IsFatal(err error) bool {
	return errors.Is(err, colstore.ErrSchemaWidthExceeded) ||
		errors.Is(err, colstore.ErrSchemaMismatch) ||
		errors.Is(err, merge.ErrInvalidMergeConfig) ||
		errors.Is(err, registry.ErrUnknownDataset)
}
