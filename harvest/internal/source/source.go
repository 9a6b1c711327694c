// Package source defines the fetch adapter contract between the refresh
// orchestrator and the outside world, plus a generic HTTP/JSON adapter.
//
// An adapter returns rows or an error. The orchestrator treats every error
// as retryable and never looks at why a fetch failed.
package source

import (
	"context"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/frame"
)

// Request is one fetch for one dataset. Start and End are naive dates
// bounding the window; Entities is set for entity-keyed fetches.
type Request struct {
	Category string
	Sub      string
	Start    time.Time
	End      time.Time
	Entities []string
}

// Key returns "category" or "category/sub".
func (r Request) Key() string {
	if r.Sub == "" {
		return r.Category
	}
	return r.Category + "/" + r.Sub
}

// Fetcher fetches the rows of one request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*frame.Frame, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, req Request) (*frame.Frame, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, req Request) (*frame.Frame, error) { return f(ctx, req) }

// Resetter is implemented by adapters holding session state that a failure
// may corrupt. Reset is called before every retry.
type Resetter interface {
	Reset(ctx context.Context) error
}

// EntityLister is implemented by adapters that can list the entities
// (stock codes, for instance) currently published for a dataset. It drives
// the gap backfill of entity-keyed datasets.
type EntityLister interface {
	Entities(ctx context.Context, req Request) ([]string, error)
}

// Mux dispatches requests to adapters by category.
type Mux struct {
	byCategory map[string]Fetcher
	fallback   Fetcher
}

// NewMux returns an empty Mux. fallback, when non-nil, serves categories
// without a dedicated adapter.
func NewMux(fallback Fetcher) *Mux {
	return &Mux{byCategory: make(map[string]Fetcher), fallback: fallback}
}

// Handle registers f for category.
func (m *Mux) Handle(category string, f Fetcher) { m.byCategory[category] = f }

// Lookup returns the adapter serving category, or nil.
func (m *Mux) Lookup(category string) Fetcher {
	if f, ok := m.byCategory[category]; ok {
		return f
	}
	return m.fallback
}

// Fetch implements Fetcher.
func (m *Mux) Fetch(ctx context.Context, req Request) (*frame.Frame, error) {
	f := m.Lookup(req.Category)
	if f == nil {
		return nil, &NoAdapterError{Category: req.Category}
	}
	return f.Fetch(ctx, req)
}

// Reset resets the adapter of category when it implements Resetter.
func (m *Mux) Reset(ctx context.Context, category string) error {
	if r, ok := m.Lookup(category).(Resetter); ok {
		return r.Reset(ctx)
	}
	return nil
}

// NoAdapterError reports a category without any adapter.
type NoAdapterError struct{ Category string }

func (e *NoAdapterError) Error() string { return "source: no adapter for category " + e.Category }
