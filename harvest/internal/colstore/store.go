// Package colstore stores one dataset per SQLite file. Each file holds
// exactly two tables: data, the harvested rows, and record, the single-row
// refresh record.
//
// The file is created lazily by the first write. Reads on a missing file
// report ErrNotFound, except RowCount and ReadRecord which report zero and
// the default record. A Store assumes a single writer; the refresh
// orchestrator guarantees it.
package colstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/harvest/internal/predicate"
	"github.com/hazyhaar/harvest/harvest/internal/record"
)

// Store is the storage file of one dataset.
type Store struct {
	path   string
	name   string
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithName sets the dataset name stamped on default records.
func WithName(name string) Option { return func(s *Store) { s.name = name } }

// Open returns the store for the file at path. Nothing is touched on disk
// until the first read or write.
func Open(path string, opts ...Option) *Store {
	s := &Store{path: path}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Path returns the dataset file path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying database handle, if opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn opens the file. With create false a missing file is ErrNotFound.
func (s *Store) conn(create bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	if !create {
		if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
	}
	db, err := dbopen.Open(s.path,
		dbopen.WithMkdirAll(),
		dbopen.WithJournalMode("DELETE"),
		dbopen.WithMaxOpenConns(1),
		dbopen.WithSchema(recordSchema),
	)
	if err != nil {
		return nil, fmt.Errorf("colstore: open %s: %w", s.path, err)
	}
	s.db = db
	return db, nil
}

// Schema returns the layout of the data table, or ErrEmptyDataset.
func (s *Store) Schema(ctx context.Context) (Schema, error) {
	db, err := s.conn(false)
	if err != nil {
		return nil, err
	}
	return schemaOf(ctx, db)
}

func schemaOf(ctx context.Context, q querier) (Schema, error) {
	ok, err := tableExists(ctx, q, "data")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyDataset
	}
	return loadSchema(ctx, q)
}

// HasData reports whether the data table exists and holds at least one row.
func (s *Store) HasData(ctx context.Context) (bool, error) {
	n, err := s.RowCount(ctx)
	return n > 0, err
}

// ReadAll returns every stored row in insertion order. A missing file or a
// missing data table is ErrNotFound.
func (s *Store) ReadAll(ctx context.Context) (*frame.Frame, error) {
	f, err := s.ReadFiltered(ctx, predicate.All)
	if errors.Is(err, ErrEmptyDataset) {
		return nil, fmt.Errorf("%w: %s has no data table", ErrNotFound, s.path)
	}
	return f, err
}

// ReadFiltered returns the rows matching expr in insertion order. A missing
// data table is ErrEmptyDataset. Predicate values are converted to the kind
// of their column; a column absent from the table is ErrInvalidPredicate.
func (s *Store) ReadFiltered(ctx context.Context, expr predicate.Expr) (*frame.Frame, error) {
	db, err := s.conn(false)
	if err != nil {
		return nil, err
	}
	schema, err := schemaOf(ctx, db)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(schema, expr)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i], _ = quoteIdent(c.Name)
	}
	query := `SELECT ` + strings.Join(cols, ", ") + ` FROM data` + where + ` ORDER BY rowid`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("colstore: query: %w", err)
	}
	defer rows.Close()

	out := frame.New(schema.Columns()...)
	cells := make([]any, len(schema))
	ptrs := make([]any, len(schema))
	for i := range cells {
		ptrs[i] = &cells[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("colstore: scan: %w", err)
		}
		vals := make([]any, len(cells))
		for i, v := range cells {
			vals[i] = decode(v, schema[i].Kind)
		}
		if err := out.Append(vals...); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("colstore: rows: %w", err)
	}
	return out, nil
}

func whereClause(schema Schema, expr predicate.Expr) (string, []any, error) {
	if expr.IsEmpty() {
		return "", nil, nil
	}
	for _, c := range expr.Columns() {
		if _, ok := schema.Lookup(c); !ok {
			return "", nil, fmt.Errorf("%w: unknown column %q", predicate.ErrInvalidPredicate, c)
		}
	}
	typed, err := expr.Typed(schema.Kind, nil)
	if err != nil {
		return "", nil, err
	}
	var parts []string
	var args []any
	for _, c := range typed.Conds() {
		q, err := quoteIdent(c.Column)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, q+" "+c.Op.SQL()+" ?")
		args = append(args, encode(c.Value))
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// RowCount returns the number of stored rows. It never fails on a missing
// file or table: those count as zero.
func (s *Store) RowCount(ctx context.Context) (int64, error) {
	db, err := s.conn(false)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.QueryRowContext(ctx, `SELECT row_count FROM record WHERE id = 1`).Scan(&n)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("colstore: row count: %w", err)
	}
	return countRows(ctx, db)
}

func countRows(ctx context.Context, q querier) (int64, error) {
	ok, err := tableExists(ctx, q, "data")
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM data`).Scan(&n); err != nil {
		return 0, fmt.Errorf("colstore: count: %w", err)
	}
	return n, nil
}

// MaxValue returns the largest non-null value of col, or nil when there is
// no data.
func (s *Store) MaxValue(ctx context.Context, col string) (any, error) {
	return s.aggregate(ctx, "MAX", col)
}

// MinValue returns the smallest non-null value of col, or nil.
func (s *Store) MinValue(ctx context.Context, col string) (any, error) {
	return s.aggregate(ctx, "MIN", col)
}

func (s *Store) aggregate(ctx context.Context, fn, col string) (any, error) {
	db, err := s.conn(false)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	schema, err := schemaOf(ctx, db)
	if errors.Is(err, ErrEmptyDataset) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	def, ok := schema.Lookup(col)
	if !ok {
		return nil, fmt.Errorf("%w: unknown column %q", ErrSchemaMismatch, col)
	}
	q, _ := quoteIdent(col)
	var v any
	if err := db.QueryRowContext(ctx, `SELECT `+fn+`(`+q+`) FROM data`).Scan(&v); err != nil {
		return nil, fmt.Errorf("colstore: %s(%s): %w", strings.ToLower(fn), col, err)
	}
	return decode(v, def.Kind), nil
}

// Distinct returns the distinct non-null values of col in ascending order.
// It returns nil when there is no data.
func (s *Store) Distinct(ctx context.Context, col string) ([]any, error) {
	db, err := s.conn(false)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	schema, err := schemaOf(ctx, db)
	if errors.Is(err, ErrEmptyDataset) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	def, ok := schema.Lookup(col)
	if !ok {
		return nil, fmt.Errorf("%w: unknown column %q", ErrSchemaMismatch, col)
	}
	q, _ := quoteIdent(col)
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT `+q+` FROM data WHERE `+q+` IS NOT NULL ORDER BY `+q)
	if err != nil {
		return nil, fmt.Errorf("colstore: distinct %s: %w", col, err)
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, decode(v, def.Kind))
	}
	return out, rows.Err()
}

// ReadRecord returns the stored record, or the default record when the
// file or the record row does not exist yet.
func (s *Store) ReadRecord(ctx context.Context) (record.Record, error) {
	db, err := s.conn(false)
	if errors.Is(err, ErrNotFound) {
		return record.Default(s.name), nil
	}
	if err != nil {
		return record.Record{}, err
	}
	rec, err := readRecord(ctx, db)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Default(s.name), nil
	}
	return rec, err
}
