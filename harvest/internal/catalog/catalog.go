// Package catalog is the service-wide SQLite database. It holds the cycle
// log: one row per refresh cycle, whatever its outcome.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/hazyhaar/harvest/dbopen"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps the catalog database.
type Store struct {
	DB *sql.DB
}

// NewStore wraps db. Call Migrate before first use.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Migrate applies all pending migrations.
func (s *Store) Migrate(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("catalog: migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.DB, fsys)
	if err != nil {
		return fmt.Errorf("catalog: goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("catalog: apply migrations: %w", err)
	}
	for _, r := range results {
		if r.Error != nil {
			return fmt.Errorf("catalog: migration %d (%s): %w", r.Source.Version, r.Source.Path, r.Error)
		}
		logger.Info("catalog: migration applied", "version", r.Source.Version, "file", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

// Cycle is one refresh cycle of one dataset.
type Cycle struct {
	ID          string `json:"id"`
	Dataset     string `json:"dataset"`
	Entity      string `json:"entity,omitempty"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	RowsWritten int64  `json:"rows_written"`
	RowCount    int64  `json:"row_count"`
	WriteMode   string `json:"write_mode"`
	Memo        string `json:"memo"`
	StartedAt   int64  `json:"started_at"` // unix ms
	DurationMs  int64  `json:"duration_ms"`
}

// InsertCycle records a cycle.
func (s *Store) InsertCycle(ctx context.Context, c *Cycle) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO cycles (id, dataset, entity, state, attempts, rows_written, row_count,
		write_mode, memo, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Dataset, c.Entity, c.State, c.Attempts, c.RowsWritten, c.RowCount,
		c.WriteMode, c.Memo, c.StartedAt, c.DurationMs,
	)
	return err
}

// Cycles returns cycles newest first. An empty dataset lists every dataset.
func (s *Store) Cycles(ctx context.Context, dataset string, limit int) ([]*Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, dataset, entity, state, attempts, rows_written, row_count,
		write_mode, memo, started_at, duration_ms
		FROM cycles WHERE ? = '' OR dataset = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, dataset, dataset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Cycle
	for rows.Next() {
		var c Cycle
		if err := rows.Scan(&c.ID, &c.Dataset, &c.Entity, &c.State, &c.Attempts, &c.RowsWritten,
			&c.RowCount, &c.WriteMode, &c.Memo, &c.StartedAt, &c.DurationMs); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		result = append(result, &c)
	}
	return result, rows.Err()
}

// Stats counts cycles per state.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM cycles GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

// Prune deletes cycles started before cutoff (unix ms) and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff int64) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM cycles WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
