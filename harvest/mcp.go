package harvest

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/harvest/harvest/internal/predicate"
	"github.com/hazyhaar/harvest/kit"
)

// RegisterMCP registers the harvest tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerDatasets(srv)
	svc.registerRecord(srv)
	svc.registerRows(srv)
	svc.registerRefresh(srv)
	svc.registerBackfill(srv)
	svc.registerCycles(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var datasetProp = map[string]any{"type": "string", "description": "Dataset key: category or category/sub"}

func (svc *Service) register(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	mw := kit.Chain(kit.Recovery(svc.logger), kit.Logging(svc.logger, tool.Name))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), decode)
}

func (svc *Service) registerDatasets(srv *mcp.Server) {
	type req struct{}
	tool := &mcp.Tool{
		Name:        "harvest_datasets",
		Description: "List declared datasets with their refresh records",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.Datasets(ctx)
	}
	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}

func (svc *Service) registerRecord(srv *mcp.Server) {
	type req struct {
		Dataset string `json:"dataset"`
	}
	tool := &mcp.Tool{
		Name:        "harvest_record",
		Description: "Get the refresh record of a dataset: completion, retries, watermark, next eligible time",
		InputSchema: inputSchema(map[string]any{"dataset": datasetProp}, []string{"dataset"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		key, err := ParseKey(r.(*req).Dataset)
		if err != nil {
			return nil, err
		}
		return svc.Record(ctx, key)
	}
	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}

func (svc *Service) registerRows(srv *mcp.Server) {
	type req struct {
		Dataset string  `json:"dataset"`
		Where   [][]any `json:"where"`
		Limit   int     `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "harvest_rows",
		Description: "Query stored rows of a dataset. where is a list of [column, operator, value] with operators ==, >=, <=, >, <",
		InputSchema: inputSchema(map[string]any{
			"dataset": datasetProp,
			"where": map[string]any{
				"type":        "array",
				"description": "Filter triples, e.g. [[\"date\", \">=\", \"2024-01-01\"]]",
				"items":       map[string]any{"type": "array"},
			},
			"limit": map[string]any{"type": "integer", "description": "Maximum rows returned (default 500)"},
		}, []string{"dataset"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		key, err := ParseKey(p.Dataset)
		if err != nil {
			return nil, err
		}
		expr, err := predicate.FromSlices(svc.loc, p.Where)
		if err != nil {
			return nil, err
		}
		limit := p.Limit
		if limit <= 0 {
			limit = 500
		}
		rows, err := svc.query(ctx, key, expr)
		if errors.Is(err, ErrNoData) {
			resp := newRowsResponse(key, rows, 0)
			resp.Status = "no data yet"
			return resp, nil
		}
		if err != nil {
			return nil, err
		}
		return newRowsResponse(key, rows, limit), nil
	}
	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}

func (svc *Service) registerRefresh(srv *mcp.Server) {
	type req struct {
		Dataset string `json:"dataset"`
		Force   bool   `json:"force"`
	}
	tool := &mcp.Tool{
		Name:        "harvest_refresh",
		Description: "Run a refresh cycle for one dataset, or for every dataset when dataset is empty",
		InputSchema: inputSchema(map[string]any{
			"dataset": datasetProp,
			"force":   map[string]any{"type": "boolean", "description": "Bypass next-time and throttle checks"},
		}, nil),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Dataset == "" {
			return svc.RefreshAll(ctx, p.Force), nil
		}
		key, err := ParseKey(p.Dataset)
		if err != nil {
			return nil, err
		}
		return svc.RefreshOne(ctx, key, p.Force)
	}
	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}

func (svc *Service) registerBackfill(srv *mcp.Server) {
	type req struct {
		Dataset string `json:"dataset"`
		Entity  string `json:"entity"`
	}
	tool := &mcp.Tool{
		Name:        "harvest_backfill",
		Description: "Fetch the full history of one entity of an entity-keyed dataset and append what is missing",
		InputSchema: inputSchema(map[string]any{
			"dataset": datasetProp,
			"entity":  map[string]any{"type": "string", "description": "Entity value, e.g. a security code"},
		}, []string{"dataset", "entity"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		key, err := ParseKey(p.Dataset)
		if err != nil {
			return nil, err
		}
		return svc.Backfill(ctx, key, p.Entity)
	}
	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}

func (svc *Service) registerCycles(srv *mcp.Server) {
	type req struct {
		Dataset string `json:"dataset"`
		Limit   int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "harvest_cycles",
		Description: "List recent refresh cycles from the cycle log, newest first",
		InputSchema: inputSchema(map[string]any{
			"dataset": datasetProp,
			"limit":   map[string]any{"type": "integer", "description": "Maximum entries (default 100)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Cycles(ctx, p.Dataset, p.Limit)
	}
	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}
