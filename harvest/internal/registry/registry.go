// Package registry holds the static configuration of every dataset: how it
// merges, how often it refreshes, how its columns are typed and where its
// rows come from. It is pure data plus validation.
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/calendar"
	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/harvest/internal/merge"
	"github.com/hazyhaar/harvest/harvest/internal/source"
	"github.com/hazyhaar/harvest/horosafe"
)

// ErrUnknownDataset is returned for keys no entry declares.
var ErrUnknownDataset = errors.New("registry: unknown dataset")

// Key identifies a dataset: a category and an optional sub-key such as a
// stock code or a classification level.
type Key struct {
	Category string `json:"category"`
	Sub      string `json:"sub,omitempty"`
}

// ParseKey parses "category" or "category/sub".
func ParseKey(s string) (Key, error) {
	cat, sub, _ := strings.Cut(strings.Trim(s, "/"), "/")
	k := Key{Category: cat, Sub: sub}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks that both parts are usable as file names.
func (k Key) Validate() error {
	if err := horosafe.ValidateIdentifier(k.Category); err != nil {
		return fmt.Errorf("registry: category: %w", err)
	}
	if k.Sub != "" {
		if err := horosafe.ValidateIdentifier(k.Sub); err != nil {
			return fmt.Errorf("registry: sub-key: %w", err)
		}
	}
	return nil
}

func (k Key) String() string {
	if k.Sub == "" {
		return k.Category
	}
	return k.Category + "/" + k.Sub
}

// Path returns the dataset file under dir: <dir>/<category>.db or
// <dir>/<category>/<sub>.db.
func (k Key) Path(dir string) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	rel := k.Category + ".db"
	if k.Sub != "" {
		rel = filepath.Join(k.Category, k.Sub+".db")
	}
	return horosafe.SafePath(dir, rel)
}

// Windowing selects the record field a cycle's window starts from.
type Windowing string

const (
	WindowNextTime Windowing = "next_time"
	WindowLastDate Windowing = "last_date"
)

// Entry is the configuration of one dataset category.
type Entry struct {
	Category string     `yaml:"category" json:"category"`
	Name     string     `yaml:"name" json:"name"`
	Mode     merge.Mode `yaml:"mode" json:"mode"`
	IndexCol string     `yaml:"index_col" json:"index_col,omitempty"`
	// Subset defines row identity. Defaults to DataColumns.
	Subset      []string              `yaml:"subset" json:"subset,omitempty"`
	DataColumns []string              `yaml:"data_columns" json:"data_columns,omitempty"`
	Columns     map[string]frame.Kind `yaml:"columns" json:"columns,omitempty"`
	// StringWidths pre-declares text column widths at table creation.
	StringWidths map[string]int `yaml:"string_widths" json:"string_widths,omitempty"`

	MinDate     time.Time     `yaml:"min_date" json:"min_date"`
	Freq        calendar.Freq `yaml:"freq" json:"freq"`
	RefreshHour int           `yaml:"refresh_hour" json:"refresh_hour"`
	Windowing   Windowing     `yaml:"windowing" json:"windowing"`
	// Throttle overrides the orchestrator's throttle window. Negative
	// disables throttling for the dataset.
	Throttle time.Duration `yaml:"throttle" json:"throttle,omitempty"`

	// SubKeys expands the category into one dataset per sub-key.
	SubKeys []string `yaml:"sub_keys" json:"sub_keys,omitempty"`
	// EntityCol names the entity column of entity-keyed datasets. Missing
	// entities are backfilled one by one after each bulk cycle.
	EntityCol string `yaml:"entity_col" json:"entity_col,omitempty"`

	Source source.Endpoint `yaml:"source" json:"-"`
}

func (e *Entry) defaults() {
	if e.Name == "" {
		e.Name = e.Category
	}
	if e.Mode == "" {
		e.Mode = merge.ModeAppend
	}
	if len(e.Subset) == 0 {
		e.Subset = slices.Clone(e.DataColumns)
	}
	if e.Freq == "" {
		e.Freq = calendar.Daily
	}
	if e.Windowing == "" {
		e.Windowing = WindowNextTime
	}
}

// Validate applies defaults and checks the entry.
func (e *Entry) Validate() error {
	e.defaults()
	if err := (Key{Category: e.Category}).Validate(); err != nil {
		return err
	}
	for _, s := range e.SubKeys {
		if err := (Key{Category: e.Category, Sub: s}).Validate(); err != nil {
			return err
		}
	}
	if err := e.MergeConfig().Validate(); err != nil {
		return fmt.Errorf("registry: %s: %w", e.Category, err)
	}
	if _, err := calendar.ParseFreq(string(e.Freq)); err != nil {
		return fmt.Errorf("registry: %s: %w", e.Category, err)
	}
	if e.RefreshHour < 0 || e.RefreshHour > 59 || (e.Freq != calendar.Hourly && e.RefreshHour > 23) {
		return fmt.Errorf("registry: %s: refresh_hour %d out of range", e.Category, e.RefreshHour)
	}
	if e.Windowing != WindowNextTime && e.Windowing != WindowLastDate {
		return fmt.Errorf("registry: %s: unknown windowing %q", e.Category, e.Windowing)
	}
	if e.Windowing == WindowLastDate && e.IndexCol == "" {
		return fmt.Errorf("%w: %s: last_date windowing requires index_col", merge.ErrInvalidMergeConfig, e.Category)
	}
	if e.EntityCol != "" && e.IndexCol == "" {
		return fmt.Errorf("%w: %s: entity_col requires index_col", merge.ErrInvalidMergeConfig, e.Category)
	}
	for col, k := range e.Columns {
		if k == frame.KindUnknown {
			return fmt.Errorf("registry: %s: column %q has no kind", e.Category, col)
		}
	}
	if e.IndexCol != "" && len(e.Columns) > 0 {
		if _, ok := e.Columns[e.IndexCol]; !ok {
			return fmt.Errorf("%w: %s: index_col %q not among columns", merge.ErrInvalidMergeConfig, e.Category, e.IndexCol)
		}
	}
	for col, w := range e.StringWidths {
		if w <= 0 {
			return fmt.Errorf("registry: %s: string width of %q must be positive", e.Category, col)
		}
	}
	return nil
}

// MergeConfig returns the merge-relevant part of the entry.
func (e Entry) MergeConfig() merge.Config {
	return merge.Config{Mode: e.Mode, IndexCol: e.IndexCol, Subset: slices.Clone(e.Subset)}
}

// Kinds returns the declared column kinds.
func (e Entry) Kinds() map[string]frame.Kind { return e.Columns }

// Keys lists the dataset keys the entry expands to.
func (e Entry) Keys() []Key {
	if len(e.SubKeys) == 0 {
		return []Key{{Category: e.Category}}
	}
	out := make([]Key, len(e.SubKeys))
	for i, s := range e.SubKeys {
		out[i] = Key{Category: e.Category, Sub: s}
	}
	return out
}

// IndexColumns lists the columns that get a secondary index in storage.
func (e Entry) IndexColumns() []string {
	var out []string
	for _, c := range []string{e.IndexCol, e.EntityCol} {
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Registry is an immutable set of entries.
type Registry struct {
	entries map[string]Entry
}

// New validates entries and builds a registry. Categories must be unique.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.entries[e.Category]; dup {
			return nil, fmt.Errorf("registry: duplicate category %q", e.Category)
		}
		r.entries[e.Category] = e
	}
	return r, nil
}

// Lookup returns the entry of category.
func (r *Registry) Lookup(category string) (Entry, bool) {
	e, ok := r.entries[category]
	return e, ok
}

// Entry returns the entry serving key. The sub-key must be declared.
func (r *Registry) Entry(k Key) (Entry, error) {
	e, ok := r.entries[k.Category]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownDataset, k)
	}
	if k.Sub == "" && len(e.SubKeys) == 0 {
		return e, nil
	}
	if k.Sub != "" && slices.Contains(e.SubKeys, k.Sub) {
		return e, nil
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrUnknownDataset, k)
}

// Keys lists every dataset key, sorted.
func (r *Registry) Keys() []Key {
	var out []Key
	for _, e := range r.entries {
		out = append(out, e.Keys()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Entries lists the entries sorted by category.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
