package harvest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/harvest/harvest/internal/export"
	"github.com/hazyhaar/harvest/harvest/internal/predicate"
	"github.com/hazyhaar/harvest/horosafe"
	"github.com/hazyhaar/harvest/idgen"
	"github.com/hazyhaar/harvest/kit"
)

// Handler returns the HTTP API:
//
//	GET  /healthz
//	GET  /datasets
//	GET  /datasets/{category}[/{sub}]/rows?where=[["date",">=","2024-01-01"]]&limit=N
//	GET  /datasets/{category}[/{sub}]/record
//	GET  /datasets/{category}[/{sub}]/export.parquet?where=...
//	POST /datasets/{category}[/{sub}]/refresh?force=true
//	POST /datasets/{category}[/{sub}]/backfill?entity=ID
//	POST /refresh?force=true
//	GET  /cycles?dataset=KEY&limit=N
func (svc *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(kit.HTTPContext(idgen.Prefixed("req_", idgen.Default)))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/datasets", svc.handleDatasets)
	r.Post("/refresh", svc.handleRefreshAll)
	r.Get("/cycles", svc.handleCycles)
	r.Route("/datasets/{category}", func(r chi.Router) {
		svc.datasetRoutes(r)
		r.Route("/{sub}", svc.datasetRoutes)
	})
	return r
}

func (svc *Service) datasetRoutes(r chi.Router) {
	r.Get("/rows", svc.handleRows)
	r.Get("/record", svc.handleRecord)
	r.Get("/export.parquet", svc.handleExport)
	r.Post("/refresh", svc.handleRefresh)
	r.Post("/backfill", svc.handleBackfill)
}

func routeKey(r *http.Request) (Key, error) {
	k := Key{Category: chi.URLParam(r, "category"), Sub: chi.URLParam(r, "sub")}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// parseWhere decodes the where parameter: a JSON array of three-element
// arrays. Numbers keep their literal form until converted to the column kind.
func (svc *Service) parseWhere(r *http.Request) (predicate.Expr, error) {
	raw := r.URL.Query().Get("where")
	if raw == "" {
		return predicate.All, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var triples [][]any
	if err := dec.Decode(&triples); err != nil {
		return predicate.Expr{}, fmt.Errorf("%w: where: %v", ErrInvalidPredicate, err)
	}
	return predicate.FromSlices(svc.loc, triples)
}

type rowsResponse struct {
	Key     string           `json:"key"`
	Columns []columnInfo     `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Count   int              `json:"count"`
	Status  string           `json:"status,omitempty"`
}

type columnInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func newRowsResponse(key Key, rows *Rows, limit int) rowsResponse {
	if limit > 0 {
		rows = rows.Head(limit)
	}
	resp := rowsResponse{Key: key.String(), Rows: rows.Records(), Count: rows.Len()}
	for _, c := range rows.Columns() {
		resp.Columns = append(resp.Columns, columnInfo{Name: c.Name, Kind: c.Kind.String()})
	}
	if resp.Rows == nil {
		resp.Rows = []map[string]any{}
	}
	return resp
}

func (svc *Service) handleDatasets(w http.ResponseWriter, r *http.Request) {
	list, err := svc.Datasets(r.Context())
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (svc *Service) handleRows(w http.ResponseWriter, r *http.Request) {
	key, err := routeKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	expr, err := svc.parseWhere(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := svc.query(r.Context(), key, expr)
	resp := rowsResponse{}
	switch {
	case errors.Is(err, ErrNoData):
		resp = newRowsResponse(key, rows, 0)
		resp.Status = "no data yet"
	case err != nil:
		writeError(w, statusOf(err), err)
		return
	default:
		resp = newRowsResponse(key, rows, queryInt(r, "limit", 0))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (svc *Service) handleRecord(w http.ResponseWriter, r *http.Request) {
	key, err := routeKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := svc.Record(r.Context(), key)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (svc *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	key, err := routeKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	expr, err := svc.parseWhere(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := svc.query(r.Context(), key, expr)
	if errors.Is(err, ErrNoData) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteParquet(&buf, rows); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", key.Category+subSuffix(key)+".parquet"))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func subSuffix(k Key) string {
	if k.Sub == "" {
		return ""
	}
	return "_" + k.Sub
}

func (svc *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	key, err := routeKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := svc.RefreshOne(r.Context(), key, queryBool(r, "force"))
	if err != nil {
		writeJSON(w, statusOf(err), map[string]any{"error": err.Error(), "outcome": out})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (svc *Service) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.RefreshAll(r.Context(), queryBool(r, "force")))
}

func (svc *Service) handleBackfill(w http.ResponseWriter, r *http.Request) {
	key, err := routeKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := svc.Backfill(r.Context(), key, r.URL.Query().Get("entity"))
	if err != nil {
		writeJSON(w, statusOf(err), map[string]any{"error": err.Error(), "outcome": out})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (svc *Service) handleCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := svc.Cycles(r.Context(), r.URL.Query().Get("dataset"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if cycles == nil {
		cycles = []*Cycle{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

// statusOf maps service errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownDataset), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidPredicate), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNoEntityColumn), errors.Is(err, horosafe.ErrInvalidIdentifier),
		errors.Is(err, horosafe.ErrPathTraversal):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoCatalog):
		return http.StatusNotImplemented
	case errors.Is(err, ErrSchemaWidthExceeded), errors.Is(err, ErrSchemaMismatch),
		errors.Is(err, ErrInvalidMergeConfig):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
