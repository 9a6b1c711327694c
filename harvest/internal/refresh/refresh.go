// Package refresh runs refresh cycles: for one dataset it decides whether a
// cycle is due, fetches the window with a counted retry loop, normalizes the
// rows, reconciles them with the stored rows and commits data and record
// together.
//
// Cycles on distinct datasets run concurrently; two cycles on the same
// dataset never do.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/catalog"
	"github.com/hazyhaar/harvest/harvest/internal/colstore"
	"github.com/hazyhaar/harvest/harvest/internal/merge"
	"github.com/hazyhaar/harvest/harvest/internal/record"
	"github.com/hazyhaar/harvest/harvest/internal/registry"
	"github.com/hazyhaar/harvest/harvest/internal/source"
	"github.com/hazyhaar/harvest/idgen"
)

// State is the terminal state of a cycle.
type State string

const (
	// StateSkipped: not due, throttled or already current. Nothing written.
	StateSkipped State = "skipped"
	// StateCommitted: the fetch completed and the delta and record are durable.
	StateCommitted State = "committed"
	// StateFailed: retries were exhausted; only the record was written.
	// Also used when the commit itself failed, in which case nothing was written.
	StateFailed State = "failed"
	// StateBusy: another cycle on the same dataset is running.
	StateBusy State = "busy"
)

// Skip reasons beyond record.ReasonNotDue and record.ReasonThrottled.
const ReasonCurrent = "already current"

// FetchError is an adapter failure on one attempt. It is recorded in the
// record memo and never returned past the orchestrator.
type FetchError struct {
	Attempt int
	Err     error
}

func (e *FetchError) Error() string { return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// Config tunes the orchestrator.
type Config struct {
	// RetryTimesMax is the number of fetch attempts per cycle. Default: 3.
	RetryTimesMax int `yaml:"retry_times_max"`
	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// Throttle skips datasets that completed less than Throttle ago.
	// Default: 12h. Negative disables throttling.
	Throttle time.Duration `yaml:"throttle"`
	// Workers bounds batch concurrency. Default: NumCPU/2, at least 1.
	Workers int `yaml:"workers"`
	// Location is the wall clock naive times are expressed in. Default: UTC.
	Location *time.Location `yaml:"-"`
}

func (c *Config) defaults() {
	if c.RetryTimesMax <= 0 {
		c.RetryTimesMax = 3
	}
	if c.Throttle == 0 {
		c.Throttle = 12 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = max(runtime.NumCPU()/2, 1)
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Outcome describes one finished cycle.
type Outcome struct {
	Key      registry.Key  `json:"key"`
	CycleID  string        `json:"cycle_id"`
	State    State         `json:"state"`
	Reason   string        `json:"reason,omitempty"`
	Attempts int           `json:"attempts"`
	Write    string        `json:"write"`
	Rows     int           `json:"rows_written"`
	Below    int           `json:"below_watermark"`
	Record   record.Record `json:"record"`
	// Backfilled lists entities added by the gap backfill.
	Backfilled []string      `json:"backfilled,omitempty"`
	Duration   time.Duration `json:"duration"`
	// FetchErr is the last adapter failure of a StateFailed cycle.
	FetchErr *FetchError `json:"-"`
	// Err is the fatal error returned by RefreshOne, if any.
	Err error `json:"-"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. A nil logger falls back to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithCatalog records every cycle in the catalog's cycle log.
func WithCatalog(c *catalog.Store) Option { return func(o *Orchestrator) { o.catalog = c } }

// WithIDGenerator sets the cycle ID generator. Default: idgen.Default.
func WithIDGenerator(g idgen.Generator) Option { return func(o *Orchestrator) { o.newID = g } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.clock = now } }

// WithStoreOpener replaces how dataset stores are opened.
func WithStoreOpener(open func(registry.Key) (*colstore.Store, error)) Option {
	return func(o *Orchestrator) { o.open = open }
}

// Orchestrator runs cycles for the datasets of a registry.
type Orchestrator struct {
	reg     *registry.Registry
	fetcher source.Fetcher
	engine  *merge.Engine
	config  Config
	dataDir string

	logger  *slog.Logger
	catalog *catalog.Store
	newID   idgen.Generator
	clock   func() time.Time
	open    func(registry.Key) (*colstore.Store, error)

	locks sync.Map // dataset key -> struct{}
}

// New creates an Orchestrator storing dataset files under dataDir.
func New(reg *registry.Registry, fetcher source.Fetcher, dataDir string, cfg Config, opts ...Option) *Orchestrator {
	cfg.defaults()
	o := &Orchestrator{
		reg:     reg,
		fetcher: fetcher,
		config:  cfg,
		dataDir: dataDir,
		newID:   idgen.Default,
		clock:   time.Now,
	}
	for _, fn := range opts {
		fn(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.open == nil {
		o.open = o.openStore
	}
	o.engine = merge.New(o.logger)
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.config }

func (o *Orchestrator) openStore(k registry.Key) (*colstore.Store, error) {
	path, err := k.Path(o.dataDir)
	if err != nil {
		return nil, err
	}
	return colstore.Open(path, colstore.WithLogger(o.logger), colstore.WithName(k.String())), nil
}

// OpenStore opens the store of a declared dataset. The caller closes it.
func (o *Orchestrator) OpenStore(k registry.Key) (*colstore.Store, error) {
	if _, err := o.reg.Entry(k); err != nil {
		return nil, err
	}
	return o.open(k)
}

// now returns the current naive wall clock of the configured location.
func (o *Orchestrator) now() time.Time {
	t := o.clock().In(o.config.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// lock claims key for one cycle. It returns false when a cycle already holds it.
func (o *Orchestrator) lock(k registry.Key) (func(), bool) {
	if _, busy := o.locks.LoadOrStore(k.String(), struct{}{}); busy {
		return nil, false
	}
	return func() { o.locks.Delete(k.String()) }, true
}

// adapter returns the adapter serving category, unwrapping a source.Mux.
func (o *Orchestrator) adapter(category string) source.Fetcher {
	if m, ok := o.fetcher.(interface{ Lookup(string) source.Fetcher }); ok {
		return m.Lookup(category)
	}
	return o.fetcher
}

func (o *Orchestrator) reset(ctx context.Context, category string) {
	r, ok := o.adapter(category).(source.Resetter)
	if !ok {
		return
	}
	if err := r.Reset(ctx); err != nil {
		o.logger.Warn("refresh: adapter reset failed", "category", category, "error", err)
	}
}

// Due lists the declared datasets whose record allows a cycle now.
func (o *Orchestrator) Due(ctx context.Context) ([]registry.Key, error) {
	now := o.now()
	var due []registry.Key
	for _, k := range o.reg.Keys() {
		entry, _ := o.reg.Entry(k)
		store, err := o.open(k)
		if err != nil {
			return nil, err
		}
		rec, err := store.ReadRecord(ctx)
		store.Close()
		if err != nil && !errors.Is(err, colstore.ErrNotFound) {
			o.logger.Warn("refresh: read record failed", "dataset", k.String(), "error", err)
			continue
		}
		if ok, _ := rec.Eligible(now, o.throttle(entry)); ok {
			due = append(due, k)
		}
	}
	return due, ctx.Err()
}

func (o *Orchestrator) throttle(e registry.Entry) time.Duration {
	t := o.config.Throttle
	if e.Throttle != 0 {
		t = e.Throttle
	}
	if t < 0 {
		return 0
	}
	return t
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
