package colstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the dataset file, or the data table a full read
	// needs, does not exist.
	ErrNotFound = errors.New("colstore: dataset not found")

	// ErrEmptyDataset means the file exists but holds no data table yet.
	// Callers treat it as zero rows.
	ErrEmptyDataset = errors.New("colstore: dataset has no data")

	// ErrSchemaWidthExceeded means a text value is longer than the width
	// its column was declared with. It is a configuration defect and is
	// never retried.
	ErrSchemaWidthExceeded = errors.New("colstore: string width exceeded")

	// ErrSchemaMismatch means incoming rows do not fit the stored table:
	// an unknown column or a value that cannot be converted to the
	// column's kind.
	ErrSchemaMismatch = errors.New("colstore: schema mismatch")
)

// WidthError details an ErrSchemaWidthExceeded failure.
type WidthError struct {
	Column string
	Width  int
	Length int
}

func (e *WidthError) Error() string {
	return fmt.Sprintf("colstore: column %q declared width %d, value length %d", e.Column, e.Width, e.Length)
}

func (e *WidthError) Unwrap() error { return ErrSchemaWidthExceeded }
