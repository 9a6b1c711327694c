// Package scheduler polls for due datasets and runs a refresh batch on them.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/refresh"
	"github.com/hazyhaar/harvest/harvest/internal/registry"
)

// Config configures the scheduler.
type Config struct {
	// CheckInterval is how often to poll for due datasets. Default: 1 minute.
	CheckInterval time.Duration `yaml:"check_interval"`
	// CycleRetention prunes cycle log entries older than this on every tick.
	// Zero keeps everything.
	CycleRetention time.Duration `yaml:"cycle_retention"`
}

func (c *Config) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
}

// Refresher is the part of the orchestrator the scheduler drives.
type Refresher interface {
	Due(ctx context.Context) ([]registry.Key, error)
	RefreshBatch(ctx context.Context, keys []registry.Key, opts ...refresh.RunOption) refresh.BatchReport
}

// Pruner deletes cycle log entries started before cutoff (unix ms).
type Pruner func(ctx context.Context, cutoff int64) (int64, error)

// Scheduler periodically refreshes the datasets whose record says they are due.
type Scheduler struct {
	refresher Refresher
	prune     Pruner
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Scheduler. prune may be nil.
func New(r Refresher, prune Pruner, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		refresher: r,
		prune:     prune,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run polls on a ticker. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one batch over the due datasets. A batch still running when
// the ticker fires delays the next tick; it never overlaps it.
func (s *Scheduler) tick(ctx context.Context) refresh.BatchReport {
	s.pruneCycles(ctx)

	due, err := s.refresher.Due(ctx)
	if err != nil {
		s.logger.Error("scheduler: due datasets", "error", err)
		return refresh.BatchReport{}
	}
	if len(due) == 0 {
		return refresh.BatchReport{}
	}
	s.logger.Debug("scheduler: due", "datasets", len(due))
	return s.refresher.RefreshBatch(ctx, due)
}

func (s *Scheduler) pruneCycles(ctx context.Context) {
	if s.prune == nil || s.config.CycleRetention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.config.CycleRetention).UnixMilli()
	n, err := s.prune(ctx, cutoff)
	if err != nil {
		s.logger.Warn("scheduler: prune cycles", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("scheduler: pruned cycles", "deleted", n)
	}
}
