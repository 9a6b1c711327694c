package colstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/harvest/internal/record"
)

// Write describes a data write. A nil Rows, or one without columns, writes
// nothing.
type Write struct {
	Rows *frame.Frame
	// Rewrite replaces the data table instead of appending to it.
	Rewrite bool
	// Index lists columns that get a secondary index.
	Index []string
	// MinWidths pre-declares the width of string columns when the table
	// is created.
	MinWidths map[string]int
}

func (w Write) empty() bool { return w.Rows == nil || len(w.Rows.Columns()) == 0 }

// WriteFull replaces the data table with rows. The record's row count
// follows the write.
func (s *Store) WriteFull(ctx context.Context, rows *frame.Frame, index []string, minWidths map[string]int) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		n, err := applyWrite(ctx, tx, Write{Rows: rows, Rewrite: true, Index: index, MinWidths: minWidths})
		if err != nil {
			return err
		}
		return syncRowCount(ctx, tx, n)
	})
}

// WriteAppend appends rows to the data table, creating it on first use.
// A string longer than its column's declared width fails the whole batch
// with a *WidthError; nothing is persisted.
func (s *Store) WriteAppend(ctx context.Context, rows *frame.Frame, index []string, minWidths map[string]int) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		n, err := applyWrite(ctx, tx, Write{Rows: rows, Index: index, MinWidths: minWidths})
		if err != nil {
			return err
		}
		return syncRowCount(ctx, tx, n)
	})
}

// WriteRecord fully replaces the record. rec.Rows is ignored: the stored
// row count is always the size of the data table.
func (s *Store) WriteRecord(ctx context.Context, rec record.Record) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		n, err := countRows(ctx, tx)
		if err != nil {
			return err
		}
		rec.Rows = n
		return writeRecord(ctx, tx, rec)
	})
}

// Commit applies w and writes rec in one transaction. rec.Rows is set to
// the row count after the write; the committed record is returned. On
// error nothing is persisted.
func (s *Store) Commit(ctx context.Context, w Write, rec record.Record) (record.Record, error) {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		n, err := applyWrite(ctx, tx, w)
		if err != nil {
			return err
		}
		rec.Rows = n
		return writeRecord(ctx, tx, rec)
	})
	if err != nil {
		return record.Record{}, err
	}
	if !w.empty() {
		s.logger.Debug("colstore: committed",
			"path", s.path, "rows", w.Rows.Len(), "rewrite", w.Rewrite, "total", rec.Rows)
	}
	return rec, nil
}

func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	db, err := s.conn(true)
	if err != nil {
		return err
	}
	return dbopen.RunTx(ctx, db, fn)
}

// syncRowCount keeps an existing record's row count equal to n. A store
// without a record is left alone; RowCount then counts the data table.
func syncRowCount(ctx context.Context, tx *sql.Tx, n int64) error {
	ok, err := tableExists(ctx, tx, "record")
	if err != nil || !ok {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE record SET row_count = ? WHERE id = 1`, n); err != nil {
		return fmt.Errorf("colstore: row count: %w", err)
	}
	return nil
}

// applyWrite performs w inside tx and returns the resulting row count.
func applyWrite(ctx context.Context, tx *sql.Tx, w Write) (int64, error) {
	if w.empty() {
		return countRows(ctx, tx)
	}
	if w.Rewrite {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS data`); err != nil {
			return 0, fmt.Errorf("colstore: drop data: %w", err)
		}
	}
	schema, err := schemaOf(ctx, tx)
	if errors.Is(err, ErrEmptyDataset) {
		schema = schemaFor(w.Rows, w.MinWidths)
		if err := createData(ctx, tx, schema); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}
	rows, err := conform(w.Rows, schema)
	if err != nil {
		return 0, err
	}
	if err := insertRows(ctx, tx, schema, rows); err != nil {
		return 0, err
	}
	if err := createIndexes(ctx, tx, w.Index); err != nil {
		return 0, err
	}
	return countRows(ctx, tx)
}

func createData(ctx context.Context, tx *sql.Tx, schema Schema) error {
	defs := make([]string, len(schema))
	for i, c := range schema {
		d, err := declType(c)
		if err != nil {
			return err
		}
		defs[i] = d
	}
	ddl := "CREATE TABLE data (\n\t" + strings.Join(defs, ",\n\t") + "\n)"
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("colstore: create data: %w", err)
	}
	return nil
}

func createIndexes(ctx context.Context, tx *sql.Tx, cols []string) error {
	for _, c := range cols {
		q, err := quoteIdent(c)
		if err != nil {
			return err
		}
		idx, _ := quoteIdent("idx_data_" + c)
		if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS `+idx+` ON data (`+q+`)`); err != nil {
			return fmt.Errorf("colstore: index %s: %w", c, err)
		}
	}
	return nil
}

// conform checks incoming rows against the stored schema: every column
// must exist, every value must convert to the column kind and every string
// must fit its declared width. The result is in schema column order.
func conform(f *frame.Frame, schema Schema) (*frame.Frame, error) {
	for _, name := range f.Names() {
		if _, ok := schema.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: column %q is not in the stored table", ErrSchemaMismatch, name)
		}
	}
	out := frame.New(schema.Columns()...)
	vals := make([]any, len(schema))
	for r := range f.Len() {
		for i, c := range schema {
			v := f.Value(r, c.Name)
			if v != nil && frame.KindOf(v) != c.Kind {
				cv, ok := frame.Convert(v, c.Kind, nil)
				if !ok {
					return nil, fmt.Errorf("%w: column %q row %d: %v is not a %s", ErrSchemaMismatch, c.Name, r, v, c.Kind)
				}
				v = cv
			}
			if str, ok := v.(string); ok && c.Width > 0 {
				if n := utf8.RuneCountInString(str); n > c.Width {
					return nil, &WidthError{Column: c.Name, Width: c.Width, Length: n}
				}
			}
			vals[i] = v
		}
		if err := out.Append(vals...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func insertRows(ctx context.Context, tx *sql.Tx, schema Schema, f *frame.Frame) error {
	if f.Len() == 0 {
		return nil
	}
	cols := make([]string, len(schema))
	marks := make([]string, len(schema))
	for i, c := range schema {
		cols[i], _ = quoteIdent(c.Name)
		marks[i] = "?"
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO data (`+strings.Join(cols, ", ")+`) VALUES (`+strings.Join(marks, ", ")+`)`)
	if err != nil {
		return fmt.Errorf("colstore: prepare insert: %w", err)
	}
	defer stmt.Close()
	args := make([]any, len(schema))
	for r := range f.Len() {
		for i, v := range f.Row(r) {
			args[i] = encode(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("colstore: insert row %d: %w", r, err)
		}
	}
	return nil
}
