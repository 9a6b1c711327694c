// Package harvest keeps a set of tabular datasets incrementally up to date.
// Each dataset lives in its own file next to a refresh record; cycles fetch
// the window since the last successful one, reconcile it with what is
// stored and commit only the new rows.
//
// The Service wires the dataset registry, the refresh orchestrator, the
// scheduler and the cycle log, and exposes them over HTTP and MCP.
package harvest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/harvest/internal/catalog"
	"github.com/hazyhaar/harvest/harvest/internal/colstore"
	"github.com/hazyhaar/harvest/harvest/internal/export"
	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/harvest/internal/predicate"
	"github.com/hazyhaar/harvest/harvest/internal/refresh"
	"github.com/hazyhaar/harvest/harvest/internal/registry"
	"github.com/hazyhaar/harvest/harvest/internal/scheduler"
	"github.com/hazyhaar/harvest/harvest/internal/source"
	"github.com/hazyhaar/harvest/idgen"
)

// Service is the harvest orchestrator.
type Service struct {
	config  *Config
	reg     *registry.Registry
	orch    *refresh.Orchestrator
	sched   *scheduler.Scheduler
	catalog *catalog.Store
	loc     *time.Location
	logger  *slog.Logger
	flight  singleflight.Group

	fetcher   source.Fetcher
	catalogDB *sql.DB
	ownedDB   *sql.DB
	clock     func() time.Time
	newID     idgen.Generator
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithFetcher replaces the adapters built from the datasets' source sections.
func WithFetcher(f source.Fetcher) ServiceOption {
	return func(svc *Service) { svc.fetcher = f }
}

// WithCatalogDB sets the catalog database holding the cycle log. It takes
// precedence over Config.CatalogPath and is not closed by Close.
func WithCatalogDB(db *sql.DB) ServiceOption {
	return func(svc *Service) { svc.catalogDB = db }
}

// WithClock replaces time.Now for eligibility and window computation.
func WithClock(now func() time.Time) ServiceOption {
	return func(svc *Service) { svc.clock = now }
}

// WithIDGenerator sets the cycle ID generator. Default: "cyc_" + UUIDv7.
func WithIDGenerator(g idgen.Generator) ServiceOption {
	return func(svc *Service) { svc.newID = g }
}

// New creates a harvest Service. The registry is validated here: an invalid
// dataset declaration fails construction.
func New(cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: time zone %q: %v", ErrInvalidInput, cfg.TimeZone, err)
	}
	reg, err := registry.New(cfg.Datasets...)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		config: cfg,
		reg:    reg,
		loc:    loc,
		logger: logger,
		newID:  idgen.Prefixed("cyc_", idgen.Default),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.fetcher == nil {
		svc.fetcher = svc.adapters()
	}

	if svc.catalogDB == nil && cfg.CatalogPath != "" {
		db, err := dbopen.Open(cfg.CatalogPath, dbopen.WithMkdirAll())
		if err != nil {
			return nil, fmt.Errorf("harvest: catalog: %w", err)
		}
		svc.catalogDB, svc.ownedDB = db, db
	}

	ropts := []refresh.Option{
		refresh.WithLogger(logger),
		refresh.WithIDGenerator(svc.newID),
	}
	var prune scheduler.Pruner
	if svc.catalogDB != nil {
		svc.catalog = catalog.NewStore(svc.catalogDB)
		if err := svc.catalog.Migrate(context.Background(), logger); err != nil {
			svc.Close()
			return nil, err
		}
		ropts = append(ropts, refresh.WithCatalog(svc.catalog))
		prune = svc.catalog.Prune
	}
	if svc.clock != nil {
		ropts = append(ropts, refresh.WithClock(svc.clock))
	}

	rcfg := cfg.Refresh
	rcfg.Location = loc
	svc.orch = refresh.New(reg, svc.fetcher, cfg.DataDir, rcfg, ropts...)
	svc.sched = scheduler.New(svc.orch, prune, cfg.Scheduler, logger)
	return svc, nil
}

// adapters builds one HTTP/JSON adapter per category declaring a source.
func (svc *Service) adapters() *source.Mux {
	mux := source.NewMux(nil)
	for _, e := range svc.reg.Entries() {
		if e.Source.URL == "" {
			continue
		}
		mux.Handle(e.Category, source.NewHTTPJSON(e.Source, svc.config.HTTP, svc.logger.With("category", e.Category)))
	}
	return mux
}

// Start launches the background scheduler. Non-blocking.
func (svc *Service) Start(ctx context.Context) {
	go svc.sched.Run(ctx)
	svc.logger.Info("harvest: started", "datasets", len(svc.reg.Keys()), "data_dir", svc.config.DataDir)
}

// Close releases the catalog database when the Service opened it.
func (svc *Service) Close() error {
	svc.logger.Info("harvest: closed")
	if svc.ownedDB != nil {
		return svc.ownedDB.Close()
	}
	return nil
}

// Location is the wall clock of naive times.
func (svc *Service) Location() *time.Location { return svc.loc }

// --- Refresh ---

// RefreshOne runs one cycle for key. Concurrent calls for the same key and
// force flag share a single cycle and its outcome. The shared cycle is not
// tied to any caller's cancellation: a caller whose ctx ends gets ctx.Err()
// while the cycle runs to completion for the others.
func (svc *Service) RefreshOne(ctx context.Context, key Key, force bool) (Outcome, error) {
	flightKey := key.String()
	var opts []refresh.RunOption
	if force {
		flightKey += "!"
		opts = append(opts, refresh.Force())
	}
	cycleCtx := context.WithoutCancel(ctx)
	ch := svc.flight.DoChan(flightKey, func() (any, error) {
		return svc.orch.RefreshOne(cycleCtx, key, opts...)
	})
	select {
	case <-ctx.Done():
		svc.logger.Debug("harvest: refresh caller gone", "dataset", key.String(), "error", ctx.Err())
		return Outcome{Key: key}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			svc.logger.Debug("harvest: refresh coalesced", "dataset", key.String())
		}
		out, _ := res.Val.(Outcome)
		return out, res.Err
	}
}

// RefreshBatch runs one cycle per key on the worker pool. Failed datasets
// are listed in the report and never abort the batch.
func (svc *Service) RefreshBatch(ctx context.Context, keys []Key, force bool) BatchReport {
	var opts []refresh.RunOption
	if force {
		opts = append(opts, refresh.Force())
	}
	return svc.orch.RefreshBatch(ctx, keys, opts...)
}

// RefreshAll runs RefreshBatch over every declared dataset.
func (svc *Service) RefreshAll(ctx context.Context, force bool) BatchReport {
	return svc.RefreshBatch(ctx, svc.reg.Keys(), force)
}

// RefreshDue runs RefreshBatch over the datasets whose record allows a
// cycle now, like one scheduler tick.
func (svc *Service) RefreshDue(ctx context.Context) (BatchReport, error) {
	due, err := svc.orch.Due(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	return svc.orch.RefreshBatch(ctx, due), nil
}

// Backfill fetches the full history of one entity of an entity-keyed
// dataset and appends what is not stored yet.
func (svc *Service) Backfill(ctx context.Context, key Key, entity string) (Outcome, error) {
	if entity == "" {
		return Outcome{Key: key}, fmt.Errorf("%w: entity is required", ErrInvalidInput)
	}
	return svc.orch.Backfill(ctx, key, entity)
}

// --- Reads ---

// Datasets lists the declared datasets with their current records.
func (svc *Service) Datasets(ctx context.Context) ([]DatasetStatus, error) {
	keys := svc.reg.Keys()
	out := make([]DatasetStatus, 0, len(keys))
	for _, k := range keys {
		entry, _ := svc.reg.Entry(k)
		rec, err := svc.Record(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, DatasetStatus{
			Key:    k.String(),
			Name:   entry.Name,
			Mode:   string(entry.Mode),
			Freq:   string(entry.Freq),
			Record: rec,
		})
	}
	return out, nil
}

// Record returns the refresh record of key, or the default record when the
// dataset was never refreshed.
func (svc *Service) Record(ctx context.Context, key Key) (Record, error) {
	store, err := svc.orch.OpenStore(key)
	if err != nil {
		return Record{}, err
	}
	defer store.Close()
	return store.ReadRecord(ctx)
}

// GetRows returns the stored rows of key matching every triple, in
// insertion order. A triple with an empty column or a null value is
// ignored. A dataset whose file does not exist is ErrNotFound; one whose
// file exists without rows returns empty rows together with ErrNoData.
func (svc *Service) GetRows(ctx context.Context, key Key, triples ...Triple) (*Rows, error) {
	expr, err := predicate.Build(svc.loc, triples...)
	if err != nil {
		return nil, err
	}
	return svc.query(ctx, key, expr)
}

func (svc *Service) query(ctx context.Context, key Key, expr predicate.Expr) (*Rows, error) {
	store, err := svc.orch.OpenStore(key)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	rows, err := store.ReadFiltered(ctx, expr)
	if errors.Is(err, colstore.ErrEmptyDataset) {
		return frame.New(), ErrNoData
	}
	return rows, err
}

// Export writes the rows of key matching triples to w as Parquet.
func (svc *Service) Export(ctx context.Context, w io.Writer, key Key, triples ...Triple) error {
	rows, err := svc.GetRows(ctx, key, triples...)
	if err != nil {
		return err
	}
	return export.WriteParquet(w, rows)
}

// --- Cycle log ---

// Cycles lists the most recent cycle log entries, newest first. An empty
// dataset lists every dataset.
func (svc *Service) Cycles(ctx context.Context, dataset string, limit int) ([]*Cycle, error) {
	if svc.catalog == nil {
		return nil, ErrNoCatalog
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return svc.catalog.Cycles(ctx, dataset, limit)
}

// CycleStats counts cycle log entries per state.
func (svc *Service) CycleStats(ctx context.Context) (map[string]int, error) {
	if svc.catalog == nil {
		return nil, ErrNoCatalog
	}
	return svc.catalog.Stats(ctx)
}
