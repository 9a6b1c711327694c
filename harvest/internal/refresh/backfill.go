package refresh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/colstore"
	"github.com/hazyhaar/harvest/harvest/internal/merge"
	"github.com/hazyhaar/harvest/harvest/internal/metrics"
	"github.com/hazyhaar/harvest/harvest/internal/record"
	"github.com/hazyhaar/harvest/harvest/internal/registry"
	"github.com/hazyhaar/harvest/harvest/internal/source"
)

// ErrNoEntityColumn is returned when a backfill targets a dataset that is
// not entity-keyed.
var ErrNoEntityColumn = errors.New("refresh: dataset has no entity column")

// backfillGaps compares the entities the adapter currently lists with the
// stored ones and backfills each missing entity from the dataset's minimum
// date. Per-entity failures are logged and skipped.
func (o *Orchestrator) backfillGaps(ctx context.Context, entry registry.Entry, key registry.Key, store *colstore.Store, req source.Request, rec *record.Record) []string {
	lister, ok := o.adapter(key.Category).(source.EntityLister)
	if !ok {
		return nil
	}
	listed, err := lister.Entities(ctx, req)
	if err != nil {
		o.logger.Warn("refresh: list entities failed", "dataset", key.String(), "error", err)
		return nil
	}
	stored, err := store.Distinct(ctx, entry.EntityCol)
	if err != nil {
		o.logger.Warn("refresh: stored entities failed", "dataset", key.String(), "error", err)
		return nil
	}
	have := make(map[string]bool, len(stored))
	for _, v := range stored {
		have[fmt.Sprint(v)] = true
	}
	var missing []string
	for _, e := range listed {
		if !have[e] && !slices.Contains(missing, e) {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	o.logger.Info("refresh: backfilling entities", "dataset", key.String(), "missing", len(missing))

	var done []string
	for _, entity := range missing {
		if ctx.Err() != nil {
			break
		}
		n, _, err := o.backfill(ctx, entry, key, store, entity, rec)
		if err != nil {
			o.logger.Warn("refresh: entity backfill failed", "dataset", key.String(), "entity", entity, "error", err)
			continue
		}
		if n > 0 {
			done = append(done, entity)
		}
	}
	return done
}

// Backfill fetches the history of one entity of an entity-keyed dataset and
// appends the rows not stored yet for that entity. It bypasses eligibility.
// Outcome.Rows is the number of rows added; running it twice adds nothing
// the second time.
func (o *Orchestrator) Backfill(ctx context.Context, key registry.Key, entity string) (Outcome, error) {
	out := Outcome{Key: key, CycleID: o.newID()}
	entry, err := o.reg.Entry(key)
	if err != nil {
		return out, err
	}
	if entry.EntityCol == "" {
		return out, fmt.Errorf("%w: %s", ErrNoEntityColumn, key)
	}
	unlock, ok := o.lock(key)
	if !ok {
		out.State, out.Reason = StateBusy, "cycle in progress"
		return out, nil
	}
	defer unlock()

	start := time.Now()
	store, err := o.open(key)
	if err != nil {
		return out, err
	}
	defer store.Close()
	rec, err := store.ReadRecord(ctx)
	if err != nil {
		return out, fmt.Errorf("refresh: read record: %w", err)
	}

	n, attempts, err := o.backfill(ctx, entry, key, store, entity, &rec)
	out.Duration = time.Since(start)
	out.Record = rec
	out.Rows = n
	out.Attempts = attempts
	switch {
	case err != nil:
		out.State, out.Err = StateFailed, err
	case n > 0:
		out.State, out.Write = StateCommitted, merge.WriteAppend.String()
		out.Backfilled = []string{entity}
	default:
		out.State, out.Reason = StateCommitted, "nothing new"
	}
	o.logCycle(ctx, &out, entity)
	metrics.CyclesTotal.WithLabelValues(key.Category, string(out.State)).Inc()
	return out, err
}

// backfill fetches one entity with the cycle's retry policy, runs the keyed
// merge and commits it. rec is updated with the committed record. The
// attempt bookkeeping of the fetch never reaches the dataset record.
func (o *Orchestrator) backfill(ctx context.Context, entry registry.Entry, key registry.Key, store *colstore.Store, entity string, rec *record.Record) (int, int, error) {
	now := o.now()
	req := source.Request{
		Category: key.Category,
		Sub:      key.Sub,
		Start:    midnight(maxTime(entry.MinDate, record.Epoch)),
		End:      now,
		Entities: []string{entity},
	}
	scratch := rec.Clone()
	rows, fetchErr := o.fetch(ctx, req, &scratch, now)
	attempts := scratch.RetryTimes
	if fetchErr != nil {
		return 0, attempts, fetchErr
	}
	rows, report := rows.Coerce(entry.Kinds(), o.config.Location)
	if n := report.Total(); n > 0 {
		metrics.CoercionNullsTotal.WithLabelValues(key.Category).Add(float64(n))
	}
	if len(entry.DataColumns) > 0 && !rows.IsEmpty() {
		rows = rows.Select(entry.DataColumns...)
	}
	if entry.IndexCol != "" && rows.Has(entry.IndexCol) {
		rows = rows.SortBy(entry.IndexCol)
	}

	plan, err := o.engine.ReconcileBy(ctx, store, rows, *rec, entry.MergeConfig(), entry.EntityCol, entity)
	if err != nil {
		return 0, attempts, err
	}
	if plan.Write == merge.WriteNone {
		return 0, attempts, nil
	}
	next := rec.Clone()
	next.MaxIndex = plan.MaxIndex
	committed, err := store.Commit(ctx, o.write(entry, plan), next)
	if err != nil {
		return 0, attempts, fmt.Errorf("refresh: commit backfill: %w", err)
	}
	*rec = committed
	metrics.RowsWrittenTotal.WithLabelValues(key.Category, merge.WriteAppend.String()).Add(float64(plan.Rows.Len()))
	o.logger.Info("refresh: entity backfilled", "dataset", key.String(), "entity", entity, "rows", plan.Rows.Len(), "total", committed.Rows)
	return plan.Rows.Len(), attempts, nil
}
