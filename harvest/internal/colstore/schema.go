package colstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/harvest/harvest/internal/frame"
)

// recordSchema is the single-row metadata table. max_index has no declared
// type so it keeps the storage class of the index column; max_index_kind
// says how to read it back.
const recordSchema = `
CREATE TABLE IF NOT EXISTS record (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	name           TEXT NOT NULL DEFAULT '',
	completed      INTEGER NOT NULL DEFAULT 0,
	retry_times    INTEGER NOT NULL DEFAULT 0,
	index_col      TEXT NOT NULL DEFAULT '',
	max_index_kind TEXT NOT NULL DEFAULT '',
	max_index,
	completed_time INTEGER NOT NULL,
	subset         TEXT NOT NULL DEFAULT '[]',
	freq           TEXT NOT NULL DEFAULT '',
	next_time      INTEGER NOT NULL,
	last_date      INTEGER NOT NULL,
	memo           TEXT NOT NULL DEFAULT '-',
	row_count      INTEGER NOT NULL DEFAULT 0
);
`

// ColumnDef is a stored data column. Width is the declared maximum length
// of a string column, 0 when unbounded.
type ColumnDef struct {
	Name  string     `json:"name"`
	Kind  frame.Kind `json:"kind"`
	Width int        `json:"width,omitempty"`
}

// Schema is the layout of the data table, recovered from its declared
// column types.
type Schema []ColumnDef

// Lookup returns the definition of the named column.
func (s Schema) Lookup(name string) (ColumnDef, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// Kind returns the kind of the named column or KindUnknown.
func (s Schema) Kind(name string) frame.Kind {
	c, _ := s.Lookup(name)
	return c.Kind
}

// Columns returns the schema as frame columns.
func (s Schema) Columns() []frame.Column {
	out := make([]frame.Column, len(s))
	for i, c := range s {
		out[i] = frame.Column{Name: c.Name, Kind: c.Kind}
	}
	return out
}

// quoteIdent quotes a column name for SQL. Names containing a double quote
// or NUL are rejected rather than escaped.
func quoteIdent(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "\"\x00") {
		return "", fmt.Errorf("%w: invalid column name %q", ErrSchemaMismatch, name)
	}
	return `"` + name + `"`, nil
}

func declType(c ColumnDef) (string, error) {
	q, err := quoteIdent(c.Name)
	if err != nil {
		return "", err
	}
	switch c.Kind {
	case frame.KindTime:
		return q + " TIMESTAMP", nil
	case frame.KindInt:
		return q + " INTEGER", nil
	case frame.KindFloat:
		return q + " REAL", nil
	case frame.KindString:
		if c.Width > 0 {
			return fmt.Sprintf("%s VARCHAR(%d) CHECK (length(%s) <= %d)", q, c.Width, q, c.Width), nil
		}
		return q + " TEXT", nil
	}
	return "", fmt.Errorf("%w: column %q has no kind", ErrSchemaMismatch, c.Name)
}

// parseDeclType maps a declared SQLite type back to a kind and width.
func parseDeclType(decl string) (frame.Kind, int) {
	d := strings.ToUpper(strings.TrimSpace(decl))
	switch {
	case d == "TIMESTAMP":
		return frame.KindTime, 0
	case d == "INTEGER":
		return frame.KindInt, 0
	case d == "REAL":
		return frame.KindFloat, 0
	case strings.HasPrefix(d, "VARCHAR(") && strings.HasSuffix(d, ")"):
		n, err := strconv.Atoi(d[len("VARCHAR(") : len(d)-1])
		if err != nil {
			return frame.KindString, 0
		}
		return frame.KindString, n
	}
	return frame.KindString, 0
}

// schemaFor derives the table layout for a first batch. A string column is
// as wide as the larger of its declared minimum and its longest value.
func schemaFor(f *frame.Frame, minWidths map[string]int) Schema {
	cols := f.Columns()
	s := make(Schema, len(cols))
	for i, c := range cols {
		k := c.Kind
		if k == frame.KindUnknown {
			k = frame.KindString
		}
		def := ColumnDef{Name: c.Name, Kind: k}
		if k == frame.KindString {
			w := minWidths[c.Name]
			for _, v := range f.Col(c.Name) {
				if str, ok := v.(string); ok {
					w = max(w, utf8.RuneCountInString(str))
				}
			}
			def.Width = max(w, 1)
		}
		s[i] = def
	}
	return s
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("colstore: table lookup: %w", err)
	}
	return n > 0, nil
}

func loadSchema(ctx context.Context, q querier) (Schema, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, type FROM pragma_table_info('data') ORDER BY cid`)
	if err != nil {
		return nil, fmt.Errorf("colstore: table info: %w", err)
	}
	defer rows.Close()
	var s Schema
	for rows.Next() {
		var name, decl string
		if err := rows.Scan(&name, &decl); err != nil {
			return nil, err
		}
		k, w := parseDeclType(decl)
		s = append(s, ColumnDef{Name: name, Kind: k, Width: w})
	}
	return s, rows.Err()
}

// encode converts a cell to its SQLite representation. Times are stored as
// unix nanoseconds of their naive wall clock.
func encode(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UnixNano()
	}
	return v
}

// decode converts a scanned SQLite value back to the kind of its column.
func decode(v any, k frame.Kind) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		v = string(x)
	}
	switch k {
	case frame.KindTime:
		switch x := v.(type) {
		case int64:
			return time.Unix(0, x).UTC()
		case float64:
			return time.Unix(0, int64(x)).UTC()
		case time.Time:
			return x.UTC()
		}
	case frame.KindInt:
		if x, ok := v.(float64); ok {
			return int64(x)
		}
	case frame.KindFloat:
		if x, ok := v.(int64); ok {
			return float64(x)
		}
	case frame.KindString:
		if _, ok := v.(string); !ok {
			return fmt.Sprint(v)
		}
	}
	return v
}
