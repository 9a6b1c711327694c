package harvest

import (
	"errors"

	"github.com/hazyhaar/harvest/harvest/internal/colstore"
	"github.com/hazyhaar/harvest/harvest/internal/merge"
	"github.com/hazyhaar/harvest/harvest/internal/predicate"
	"github.com/hazyhaar/harvest/harvest/internal/refresh"
	"github.com/hazyhaar/harvest/harvest/internal/registry"
)

var (
	// ErrUnknownDataset: the key is not declared in the configuration.
	ErrUnknownDataset = registry.ErrUnknownDataset
	// ErrNotFound: the dataset file does not exist yet.
	ErrNotFound = colstore.ErrNotFound
	// ErrNoData: the dataset file exists but no rows were ever written.
	// Distinct from ErrNotFound; GetRows returns it with empty rows.
	ErrNoData = colstore.ErrEmptyDataset
	// ErrInvalidPredicate: a malformed filter triple.
	ErrInvalidPredicate = predicate.ErrInvalidPredicate
	// ErrInvalidMergeConfig: a dataset declaration the merge cannot honour.
	ErrInvalidMergeConfig = merge.ErrInvalidMergeConfig
	// ErrSchemaWidthExceeded: a text value longer than its column width.
	ErrSchemaWidthExceeded = colstore.ErrSchemaWidthExceeded
	// ErrSchemaMismatch: fetched rows that do not fit the stored table.
	ErrSchemaMismatch = colstore.ErrSchemaMismatch
	// ErrNoEntityColumn: a backfill on a dataset without entity column.
	ErrNoEntityColumn = refresh.ErrNoEntityColumn

	// ErrNoCatalog is returned by cycle log queries when no catalog is configured.
	ErrNoCatalog = errors.New("harvest: no catalog configured")
	// ErrInvalidInput is returned when configuration or request input fails validation.
	ErrInvalidInput = errors.New("harvest: invalid input")
)
