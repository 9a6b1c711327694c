package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/horosafe"
)

// Endpoint describes one JSON API serving a dataset.
//
// URL and EntitiesURL are templates. The placeholders {category}, {sub},
// {start}, {end} and {entities} are replaced with the query-escaped request
// values; dates are printed with DateFormat.
type Endpoint struct {
	URL        string            `yaml:"url" json:"url"`
	Method     string            `yaml:"method" json:"method,omitempty"`         // default GET
	Headers    map[string]string `yaml:"headers" json:"headers,omitempty"`       // ${ENV_VAR} expanded
	ResultPath string            `yaml:"result_path" json:"result_path"`         // dot-notation: "data.items"
	Fields     map[string]string `yaml:"fields" json:"fields,omitempty"`         // column -> dot path in item
	DateFormat string            `yaml:"date_format" json:"date_format,omitempty"` // default 2006-01-02

	EntitiesURL  string `yaml:"entities_url" json:"entities_url,omitempty"`
	EntitiesPath string `yaml:"entities_path" json:"entities_path,omitempty"`
	EntityField  string `yaml:"entity_field" json:"entity_field,omitempty"`
}

// Config configures the HTTP side of an HTTPJSON adapter.
type Config struct {
	Timeout  time.Duration `yaml:"timeout"`   // HTTP timeout. Default: 30s.
	MaxBytes int64         `yaml:"max_bytes"` // Max response body size. Default: 10MB.
	// UserAgent sent with requests.
	UserAgent string `yaml:"user_agent"`
	// URLValidator validates URLs before fetch (SSRF prevention).
	// Default: horosafe.ValidateURL.
	URLValidator func(string) error `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "harvest/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
}

// HTTPJSON fetches dataset rows from a JSON API. Each object found at the
// endpoint's result path becomes one row.
type HTTPJSON struct {
	ep     Endpoint
	config Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTPJSON creates an adapter for ep. Redirects are validated with the
// same URL validator as the initial request.
func NewHTTPJSON(ep Endpoint, cfg Config, logger *slog.Logger) *HTTPJSON {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if ep.DateFormat == "" {
		ep.DateFormat = "2006-01-02"
	}
	validate := cfg.URLValidator
	return &HTTPJSON{
		ep:     ep,
		config: cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked (SSRF): %w", err)
				}
				return nil
			},
		},
	}
}

// Fetch implements Fetcher.
func (h *HTTPJSON) Fetch(ctx context.Context, req Request) (*frame.Frame, error) {
	items, err := h.get(ctx, h.expand(h.ep.URL, req), h.ep.ResultPath)
	if err != nil {
		return nil, err
	}
	f := frame.New()
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f.AppendMap(h.extract(obj))
	}
	h.logger.Debug("source: fetched", "dataset", req.Key(), "rows", f.Len())
	return f, nil
}

// Entities implements EntityLister. Items may be plain strings or objects
// carrying EntityField.
func (h *HTTPJSON) Entities(ctx context.Context, req Request) ([]string, error) {
	if h.ep.EntitiesURL == "" {
		return nil, fmt.Errorf("source: %s: no entities_url configured", req.Key())
	}
	items, err := h.get(ctx, h.expand(h.ep.EntitiesURL, req), h.ep.EntitiesPath)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			item, _ = lookup(obj, h.ep.EntityField)
		}
		if v := scalar(item); v != nil {
			out = append(out, fmt.Sprint(v))
		}
	}
	return out, nil
}

// Reset implements Resetter. It drops pooled connections so a retry starts
// from a fresh TCP/TLS session.
func (h *HTTPJSON) Reset(context.Context) error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTPJSON) expand(tmpl string, req Request) string {
	day := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(h.ep.DateFormat)
	}
	return strings.NewReplacer(
		"{category}", url.QueryEscape(req.Category),
		"{sub}", url.QueryEscape(req.Sub),
		"{start}", url.QueryEscape(day(req.Start)),
		"{end}", url.QueryEscape(day(req.End)),
		"{entities}", url.QueryEscape(strings.Join(req.Entities, ",")),
	).Replace(tmpl)
}

func (h *HTTPJSON) get(ctx context.Context, rawURL, path string) ([]any, error) {
	if err := h.config.URLValidator(rawURL); err != nil {
		return nil, fmt.Errorf("source: url validation: %w", err)
	}
	method := h.ep.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: new request: %w", err)
	}
	req.Header.Set("User-Agent", h.config.UserAgent)
	for k, v := range h.ep.Headers {
		req.Header.Set(k, expandEnv(v))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("source: http %d", resp.StatusCode)
	}

	body, err := horosafe.LimitedReadAll(resp.Body, h.config.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("source: read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("source: json decode: %w", err)
	}
	items, err := walkPath(raw, path)
	if err != nil {
		return nil, fmt.Errorf("source: walk path %q: %w", path, err)
	}
	return items, nil
}

// extract maps an item to column values. Without a field mapping every
// top-level scalar becomes a column of the same name.
func (h *HTTPJSON) extract(obj map[string]any) map[string]any {
	row := make(map[string]any)
	if len(h.ep.Fields) == 0 {
		for k, v := range obj {
			if _, nested := v.(map[string]any); nested {
				continue
			}
			if _, nested := v.([]any); nested {
				continue
			}
			row[k] = scalar(v)
		}
		return row
	}
	for col, path := range h.ep.Fields {
		v, _ := lookup(obj, path)
		row[col] = scalar(v)
	}
	return row
}

// scalar converts decoded JSON leaves to frame values. Nested values are
// kept as their JSON text.
func scalar(v any) any {
	switch x := v.(type) {
	case nil, string:
		return x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

// lookup walks a dot path inside an object.
func lookup(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// walkPath walks a dot-notation path into a JSON value, returning the items
// found at that path. If the path is empty, the root must be an array.
func walkPath(v any, path string) ([]any, error) {
	current := v
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected object at %q, got %T", part, current)
			}
			current, ok = obj[part]
			if !ok {
				return nil, fmt.Errorf("key %q not found", part)
			}
		}
	}
	if current == nil {
		return nil, nil
	}
	arr, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

// expandEnv replaces ${ENV_VAR} patterns with their values.
func expandEnv(s string) string {
	return os.Expand(s, os.Getenv)
}
