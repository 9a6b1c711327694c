// Package export writes dataset rows to Parquet for downstream tools.
package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"github.com/hazyhaar/harvest/harvest/internal/frame"
)

// Schema maps frame columns to Arrow fields. Times are naive nanosecond
// timestamps; columns of unknown kind are written as strings.
func Schema(f *frame.Frame) *arrow.Schema {
	cols := f.Columns()
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Kind), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(k frame.Kind) arrow.DataType {
	switch k {
	case frame.KindTime:
		return &arrow.TimestampType{Unit: arrow.Nanosecond}
	case frame.KindInt:
		return arrow.PrimitiveTypes.Int64
	case frame.KindFloat:
		return arrow.PrimitiveTypes.Float64
	}
	return arrow.BinaryTypes.String
}

// Record converts f into an Arrow record. The caller releases it.
func Record(f *frame.Frame, mem memory.Allocator) (arrow.Record, error) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	schema := Schema(f)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for ci, c := range f.Columns() {
		fb := b.Field(ci)
		for _, v := range f.Col(c.Name) {
			if v == nil {
				fb.AppendNull()
				continue
			}
			if err := appendValue(fb, c.Kind, v); err != nil {
				return nil, fmt.Errorf("export: column %q: %w", c.Name, err)
			}
		}
	}
	return b.NewRecord(), nil
}

func appendValue(fb array.Builder, k frame.Kind, v any) error {
	switch k {
	case frame.KindTime:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("value %v is not a time", v)
		}
		fb.(*array.TimestampBuilder).Append(arrow.Timestamp(t.UnixNano()))
	case frame.KindInt:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("value %v is not an int", v)
		}
		fb.(*array.Int64Builder).Append(n)
	case frame.KindFloat:
		switch x := v.(type) {
		case float64:
			fb.(*array.Float64Builder).Append(x)
		case int64:
			fb.(*array.Float64Builder).Append(float64(x))
		default:
			return fmt.Errorf("value %v is not a float", v)
		}
	default:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		fb.(*array.StringBuilder).Append(s)
	}
	return nil
}

// WriteParquet writes f as a single row group Parquet file to w.
func WriteParquet(w io.Writer, f *frame.Frame) error {
	rec, err := Record(f, nil)
	if err != nil {
		return err
	}
	defer rec.Release()

	props := parquet.NewWriterProperties(
		parquet.WithDictionaryDefault(true),
		parquet.WithCreatedBy("harvest"),
	)
	fw, err := pqarrow.NewFileWriter(rec.Schema(), w, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return fmt.Errorf("export: parquet writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("export: write record: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("export: close: %w", err)
	}
	return nil
}

// WriteParquetFile writes f to path, replacing any existing file.
func WriteParquetFile(path string, f *frame.Frame) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	if err := WriteParquet(file, f); err != nil {
		file.Close()
		return err
	}
	// The parquet writer closes sinks implementing io.Closer.
	if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
