package export

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"github.com/hazyhaar/harvest/harvest/internal/frame"
)

func sample() *frame.Frame {
	f := frame.New(
		frame.Column{Name: "date", Kind: frame.KindTime},
		frame.Column{Name: "code", Kind: frame.KindString},
		frame.Column{Name: "volume", Kind: frame.KindInt},
		frame.Column{Name: "close", Kind: frame.KindFloat},
	)
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	f.Append(d, "000001", int64(1200), 10.5)
	f.Append(d.AddDate(0, 0, 1), "000001", nil, 11.0)
	f.Append(d.AddDate(0, 0, 2), nil, int64(900), nil)
	return f
}

func TestWriteParquetRoundTrip(t *testing.T) {
	// WHAT: The written file is valid Parquet with every row and column.
	var buf bytes.Buffer
	if err := WriteParquet(&buf, sample()); err != nil {
		t.Fatalf("write: %v", err)
	}
	b := buf.Bytes()
	if len(b) < 8 || string(b[:4]) != "PAR1" || string(b[len(b)-4:]) != "PAR1" {
		t.Fatalf("not a parquet file (%d bytes)", len(b))
	}

	rdr, err := file.NewParquetReader(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer rdr.Close()
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := fr.ReadTable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Release()
	if tbl.NumRows() != 3 || tbl.NumCols() != 4 {
		t.Errorf("table = %d rows x %d cols", tbl.NumRows(), tbl.NumCols())
	}
	if name := tbl.Schema().Field(1).Name; name != "code" {
		t.Errorf("field 1 = %q", name)
	}
}

func TestWriteParquetFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotes.parquet")
	if err := WriteParquetFile(path, sample()); err != nil {
		t.Fatal(err)
	}
}

func TestRecordRejectsWrongValue(t *testing.T) {
	// WHAT: A cell that does not match its column kind is an error, not a silent zero.
	f := frame.New(frame.Column{Name: "n", Kind: frame.KindInt})
	f.Append("x")
	if _, err := Record(f, nil); err == nil {
		t.Error("expected error")
	}
}
