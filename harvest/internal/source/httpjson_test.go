package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/horosafe"
)

// noopValidator allows all URLs (for tests that don't test SSRF).
func noopValidator(_ string) error { return nil }

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestHTTPJSON_FetchWithFieldMapping(t *testing.T) {
	// WHAT: URL placeholders are filled and mapped fields become columns.
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotAuth = r.URL.Path, r.URL.RawQuery, r.Header.Get("X-Token")
		w.Write([]byte(`{"data":{"items":[
			{"d":"2024-01-02","c":"000001","px":{"close":10.5},"vol":1200},
			{"d":"2024-01-03","c":"000001","px":{"close":11},"vol":900}
		]}}`))
	}))
	defer srv.Close()

	t.Setenv("HARVEST_TEST_TOKEN", "s3cret")
	h := NewHTTPJSON(Endpoint{
		URL:        srv.URL + "/{category}/{sub}?from={start}&to={end}",
		Headers:    map[string]string{"X-Token": "${HARVEST_TEST_TOKEN}"},
		ResultPath: "data.items",
		Fields:     map[string]string{"date": "d", "code": "c", "close": "px.close", "volume": "vol"},
	}, Config{URLValidator: noopValidator}, nil)

	f, err := h.Fetch(context.Background(), Request{Category: "quotes", Sub: "000001", Start: day("2024-01-01"), End: day("2024-01-31")})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPath != "/quotes/000001" || gotQuery != "from=2024-01-01&to=2024-01-31" {
		t.Errorf("request = %s?%s", gotPath, gotQuery)
	}
	if gotAuth != "s3cret" {
		t.Errorf("header = %q", gotAuth)
	}
	if f.Len() != 2 {
		t.Fatalf("rows = %d", f.Len())
	}
	if v := f.Value(0, "close"); v != 10.5 {
		t.Errorf("close = %#v", v)
	}
	if v := f.Value(1, "volume"); v != int64(900) {
		t.Errorf("volume = %#v", v)
	}
}

func TestHTTPJSON_FetchRootArrayNoMapping(t *testing.T) {
	// WHAT: Without fields, top-level scalars are taken as is and nested values skipped.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"code":"A","n":1,"meta":{"x":1}},{"code":"B","n":2}]`))
	}))
	defer srv.Close()

	h := NewHTTPJSON(Endpoint{URL: srv.URL}, Config{URLValidator: noopValidator}, nil)
	f, err := h.Fetch(context.Background(), Request{Category: "list"})
	if err != nil {
		t.Fatal(err)
	}
	if f.Has("meta") {
		t.Error("nested object should be skipped")
	}
	if got := f.Col("code"); len(got) != 2 || got[1] != "B" {
		t.Errorf("codes = %v", got)
	}
	coerced, _ := f.Coerce(map[string]frame.Kind{"n": frame.KindInt}, nil)
	if coerced.Kind("n") != frame.KindInt {
		t.Errorf("kind = %v", coerced.Kind("n"))
	}
}

func TestHTTPJSON_EmptyResult(t *testing.T) {
	// WHAT: A null result path yields an empty frame, not an error.
	// WHY: An empty fetch is a success; only transport and parse failures are retried.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":null}`))
	}))
	defer srv.Close()

	h := NewHTTPJSON(Endpoint{URL: srv.URL, ResultPath: "data"}, Config{URLValidator: noopValidator}, nil)
	f, err := h.Fetch(context.Background(), Request{Category: "x"})
	if err != nil || !f.IsEmpty() {
		t.Errorf("f = %v, err = %v", f.Records(), err)
	}
}

func TestHTTPJSON_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/500":
			w.WriteHeader(500)
		case "/bad":
			w.Write([]byte(`{not json`))
		case "/big":
			w.Write([]byte(`[` + strings.Repeat(`{"a":1},`, 100) + `{"a":1}]`))
		case "/obj":
			w.Write([]byte(`{"data":{"x":1}}`))
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/500", "/bad", "/big", "/obj"} {
		h := NewHTTPJSON(Endpoint{URL: srv.URL + path, ResultPath: "data"}, Config{URLValidator: noopValidator, MaxBytes: 256}, nil)
		if _, err := h.Fetch(context.Background(), Request{Category: "x"}); err == nil {
			t.Errorf("%s: expected error", path)
		}
	}
}

func TestHTTPJSON_SSRFBlocked(t *testing.T) {
	// WHAT: The default validator refuses loopback targets.
	// WHY: Endpoint URLs come from configuration and must not reach internal services.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	h := NewHTTPJSON(Endpoint{URL: srv.URL}, Config{}, nil)
	_, err := h.Fetch(context.Background(), Request{Category: "x"})
	if !errors.Is(err, horosafe.ErrSSRF) {
		t.Errorf("err = %v, want ErrSSRF", err)
	}
}

func TestHTTPJSON_Entities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/plain" {
			w.Write([]byte(`["000001","000002"]`))
			return
		}
		w.Write([]byte(`{"list":[{"code":"000001"},{"code":"000003"},{"other":1}]}`))
	}))
	defer srv.Close()

	h := NewHTTPJSON(Endpoint{EntitiesURL: srv.URL + "/obj", EntitiesPath: "list", EntityField: "code"}, Config{URLValidator: noopValidator}, nil)
	got, err := h.Entities(context.Background(), Request{Category: "fin"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "000001,000003" {
		t.Errorf("entities = %v", got)
	}

	h = NewHTTPJSON(Endpoint{EntitiesURL: srv.URL + "/plain"}, Config{URLValidator: noopValidator}, nil)
	got, _ = h.Entities(context.Background(), Request{Category: "fin"})
	if len(got) != 2 {
		t.Errorf("plain entities = %v", got)
	}

	h = NewHTTPJSON(Endpoint{}, Config{URLValidator: noopValidator}, nil)
	if _, err := h.Entities(context.Background(), Request{Category: "fin"}); err == nil {
		t.Error("expected error without entities_url")
	}
}

func TestMux(t *testing.T) {
	called := ""
	mk := func(name string) Fetcher {
		return FetchFunc(func(ctx context.Context, req Request) (*frame.Frame, error) {
			called = name
			return frame.New(), nil
		})
	}
	m := NewMux(nil)
	m.Handle("quotes", mk("quotes"))
	if _, err := m.Fetch(context.Background(), Request{Category: "quotes"}); err != nil || called != "quotes" {
		t.Errorf("called = %q, err = %v", called, err)
	}
	var nae *NoAdapterError
	if _, err := m.Fetch(context.Background(), Request{Category: "other"}); !errors.As(err, &nae) {
		t.Errorf("err = %v", err)
	}
	if err := m.Reset(context.Background(), "quotes"); err != nil {
		t.Errorf("reset: %v", err)
	}
}
