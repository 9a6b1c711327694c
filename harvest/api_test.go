package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestAPIRefreshAndRows(t *testing.T) {
	svc := setupTestService(t, nil)
	h := svc.Handler()

	rec := do(t, h, "POST", "/datasets/quotes/000001/refresh")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rec.Code, rec.Body)
	}
	var out struct {
		State string `json:"state"`
		Rows  int    `json:"rows_written"`
	}
	decodeBody(t, rec, &out)
	if out.State != "committed" || out.Rows != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	rec = do(t, h, "GET", "/datasets/quotes/000001/rows")
	var rows rowsResponse
	decodeBody(t, rec, &rows)
	if rec.Code != http.StatusOK || rows.Count != 1 || rows.Key != "quotes/000001" || len(rows.Columns) != 3 {
		t.Errorf("rows: %d %+v", rec.Code, rows)
	}

	where := url.QueryEscape(`[["date", ">", "2024-03-06"], ["close", ">=", 12]]`)
	rec = do(t, h, "GET", "/datasets/quotes/000001/rows?where="+where)
	decodeBody(t, rec, &rows)
	if rec.Code != http.StatusOK || rows.Count != 0 {
		t.Errorf("filtered: %d %+v", rec.Code, rows)
	}

	rec = do(t, h, "GET", "/datasets/quotes/000001/record")
	var r Record
	decodeBody(t, rec, &r)
	if rec.Code != http.StatusOK || !r.Completed || r.Rows != 1 {
		t.Errorf("record: %d %+v", rec.Code, r)
	}
}

func TestAPIErrors(t *testing.T) {
	svc := setupTestService(t, nil)
	h := svc.Handler()
	svc.RefreshOne(context.Background(), listing, false)

	tests := []struct {
		name   string
		method string
		target string
		code   int
	}{
		{"wrong arity", "GET", "/datasets/listing/rows?where=" + url.QueryEscape(`[["code", "=="]]`), http.StatusBadRequest},
		{"bad json", "GET", "/datasets/listing/rows?where=" + url.QueryEscape(`[[`), http.StatusBadRequest},
		{"unknown operator", "GET", "/datasets/listing/rows?where=" + url.QueryEscape(`[["code", "!=", "1"]]`), http.StatusBadRequest},
		{"unknown dataset", "GET", "/datasets/nope/rows", http.StatusNotFound},
		{"never refreshed", "GET", "/datasets/quotes/000002/rows", http.StatusNotFound},
		{"undeclared sub", "GET", "/datasets/quotes/999999/record", http.StatusNotFound},
		{"no entity column", "POST", "/datasets/listing/backfill?entity=000001", http.StatusBadRequest},
		{"missing entity", "POST", "/datasets/listing/backfill", http.StatusBadRequest},
		{"unknown refresh", "POST", "/datasets/nope/refresh", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target)
			if rec.Code != tt.code {
				t.Errorf("%s %s = %d %s, want %d", tt.method, tt.target, rec.Code, rec.Body, tt.code)
			}
		})
	}
}

func TestAPINoDataYet(t *testing.T) {
	f := &testFetcher{}
	f.failQ2.Store(true)
	svc := setupTestService(t, f)
	h := svc.Handler()
	do(t, h, "POST", "/datasets/quotes/000002/refresh")

	rec := do(t, h, "GET", "/datasets/quotes/000002/rows")
	var rows rowsResponse
	decodeBody(t, rec, &rows)
	if rec.Code != http.StatusOK || rows.Status != "no data yet" || rows.Count != 0 {
		t.Errorf("rows: %d %+v", rec.Code, rows)
	}
	if rec := do(t, h, "GET", "/datasets/quotes/000002/export.parquet"); rec.Code != http.StatusNoContent {
		t.Errorf("export: %d", rec.Code)
	}
}

func TestAPIDatasetsExportCycles(t *testing.T) {
	svc := setupTestService(t, nil)
	h := svc.Handler()

	rec := do(t, h, "POST", "/refresh")
	var rep BatchReport
	decodeBody(t, rec, &rep)
	if rec.Code != http.StatusOK || rep.Count(StateCommitted) != 3 {
		t.Fatalf("refresh all: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, "GET", "/datasets")
	var list []DatasetStatus
	decodeBody(t, rec, &list)
	if len(list) != 3 {
		t.Errorf("datasets = %+v", list)
	}

	rec = do(t, h, "GET", "/datasets/listing/export.parquet")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/vnd.apache.parquet" {
		t.Errorf("export: %d %v", rec.Code, rec.Header())
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PAR1")) {
		t.Error("export body is not parquet")
	}

	rec = do(t, h, "GET", "/cycles?dataset=listing&limit=5")
	var cycles []Cycle
	decodeBody(t, rec, &cycles)
	if rec.Code != http.StatusOK || len(cycles) != 1 || cycles[0].Dataset != "listing" {
		t.Errorf("cycles: %d %+v", rec.Code, cycles)
	}

	if rec := do(t, h, "GET", "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz: %d", rec.Code)
	}
}
