package refresh

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/harvest/harvest/internal/calendar"
	"github.com/hazyhaar/harvest/harvest/internal/registry"
)

// BatchReport aggregates the outcomes of a batch run.
type BatchReport struct {
	Outcomes []Outcome      `json:"outcomes"`
	Failed   []registry.Key `json:"failed"`
	Duration time.Duration  `json:"duration"`
}

// Count returns the number of outcomes in state s.
func (r BatchReport) Count(s State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == s {
			n++
		}
	}
	return n
}

// RefreshBatch runs one cycle per key. Keys are deduplicated and split into
// disjoint batches, one per worker, so no two workers ever touch the same
// dataset file. A failed dataset never stops the batch; failed keys are
// listed in the report.
func (o *Orchestrator) RefreshBatch(ctx context.Context, keys []registry.Key, opts ...RunOption) BatchReport {
	start := time.Now()
	keys = uniqueKeys(keys)
	outcomes := make([]Outcome, len(keys))
	index := make(map[registry.Key]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}

	var g errgroup.Group
	for _, batch := range calendar.Partition(keys, o.config.Workers) {
		g.Go(func() error {
			for _, k := range batch {
				i := index[k]
				if err := ctx.Err(); err != nil {
					outcomes[i] = Outcome{Key: k, State: StateFailed, Err: err}
					continue
				}
				outcomes[i], _ = o.RefreshOne(ctx, k, opts...)
			}
			return nil
		})
	}
	g.Wait()

	report := BatchReport{Outcomes: outcomes, Duration: time.Since(start)}
	for _, out := range outcomes {
		if out.State == StateFailed {
			report.Failed = append(report.Failed, out.Key)
		}
	}
	o.logger.Info("refresh: batch done", "datasets", len(keys),
		"committed", report.Count(StateCommitted), "skipped", report.Count(StateSkipped),
		"busy", report.Count(StateBusy), "failed", len(report.Failed), "duration", report.Duration)
	if len(report.Failed) > 0 {
		o.logger.Warn("refresh: batch failures", "keys", report.Failed)
	}
	return report
}

// RefreshAll runs RefreshBatch over every declared dataset.
func (o *Orchestrator) RefreshAll(ctx context.Context, opts ...RunOption) BatchReport {
	return o.RefreshBatch(ctx, o.reg.Keys(), opts...)
}

func uniqueKeys(keys []registry.Key) []registry.Key {
	out := make([]registry.Key, 0, len(keys))
	for _, k := range keys {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}
