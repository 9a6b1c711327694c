package harvest

import (
	"github.com/hazyhaar/harvest/harvest/internal/catalog"
	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/harvest/internal/predicate"
	"github.com/hazyhaar/harvest/harvest/internal/record"
	"github.com/hazyhaar/harvest/harvest/internal/refresh"
	"github.com/hazyhaar/harvest/harvest/internal/registry"
	"github.com/hazyhaar/harvest/harvest/internal/source"
)

type (
	// Key identifies a dataset: a category and an optional sub-key.
	Key = registry.Key
	// Entry declares a dataset category.
	Entry = registry.Entry
	// Rows is an ordered, typed row set.
	Rows = frame.Frame
	// Record is the refresh state of a dataset.
	Record = record.Record
	// Triple is one (column, operator, value) filter.
	Triple = predicate.Triple
	// Outcome describes one finished refresh cycle.
	Outcome = refresh.Outcome
	// BatchReport aggregates the outcomes of a batch.
	BatchReport = refresh.BatchReport
	// State is the terminal state of a cycle.
	State = refresh.State
	// Cycle is one cycle log entry.
	Cycle = catalog.Cycle
	// Request is what a fetch adapter receives.
	Request = source.Request
	// Fetcher is the fetch adapter contract.
	Fetcher = source.Fetcher
	// FetchFunc adapts a function to Fetcher.
	FetchFunc = source.FetchFunc
)

const (
	StateSkipped   = refresh.StateSkipped
	StateCommitted = refresh.StateCommitted
	StateFailed    = refresh.StateFailed
	StateBusy      = refresh.StateBusy
)

// Filter operators.
const (
	Eq  = predicate.Eq
	Gte = predicate.Gte
	Lte = predicate.Lte
	Gt  = predicate.Gt
	Lt  = predicate.Lt
)

// ParseKey parses "category" or "category/sub".
func ParseKey(s string) (Key, error) { return registry.ParseKey(s) }

// DatasetStatus is a declared dataset with its current record.
type DatasetStatus struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Mode   string `json:"mode"`
	Freq   string `json:"freq"`
	Record Record `json:"record"`
}
