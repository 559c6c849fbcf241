package planpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/planpipe/bundle"
	"github.com/hazyhaar/planpipe/idgen"
	"github.com/hazyhaar/planpipe/runlog"
	"github.com/hazyhaar/planpipe/scope"
)

// RegisterMCP registers planpipe tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerResolveScopeTool(srv)
	s.registerExtractTool(srv)
	s.registerEntityTypesTool(srv)
	s.registerFetchHistoryTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

// registerTool adapts an endpoint function to the SDK: arguments are decoded
// into req, endpoint errors become tool errors, and the response is returned
// as one JSON text block.
func registerTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint func(context.Context, *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r Req
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}

		resp, err := endpoint(ctx, &r)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// --- resolve_scope ---

type resolveScopeReq struct {
	Path string `json:"path"`
}

func (s *Service) registerResolveScopeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "planpipe_resolve_scope",
		Description: "Resolve a CSV reference file into the plan/suite scope it selects, with parse warnings.",
		InputSchema: inputSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Path of the CSV reference file"},
		}, []string{"path"}),
	}

	registerTool(srv, tool, func(_ context.Context, r *resolveScopeReq) (any, error) {
		f, err := os.Open(r.Path)
		if err != nil {
			return nil, fmt.Errorf("open scope file: %w", err)
		}
		defer f.Close()
		sc, warns, err := scope.Resolve(f)
		if err != nil {
			return nil, err
		}
		if warns == nil {
			warns = []scope.Warning{}
		}
		return map[string]any{
			"entries":  sc.Entries,
			"plan_ids": sc.PlanIDs(),
			"warnings": warns,
		}, nil
	})
}

// --- extract ---

type extractReq struct {
	ScopePath string `json:"scope_path,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
	Modular   bool   `json:"modular,omitempty"`
}

func (s *Service) registerExtractTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "planpipe_extract",
		Description: "Run a full extraction and write output bundles. Omitting scope_path extracts every plan of the project.",
		InputSchema: inputSchema(map[string]any{
			"scope_path": map[string]any{"type": "string", "description": "CSV reference file; omit for full-project mode"},
			"output_dir": map[string]any{"type": "string", "description": "Base output directory override"},
			"modular":    map[string]any{"type": "boolean", "description": "Also write per-plan bundle groups"},
		}, nil),
	}

	registerTool(srv, tool, func(ctx context.Context, r *extractReq) (any, error) {
		return s.Run(ctx, RunOptions{
			ScopePath: r.ScopePath,
			OutputDir: r.OutputDir,
			Modular:   r.Modular,
		})
	})
}

// --- entity_types ---

type entityTypesReq struct{}

func (s *Service) registerEntityTypesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "planpipe_entity_types",
		Description: "List the entity types an extraction produces and their bundle file names.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	registerTool(srv, tool, func(_ context.Context, _ *entityTypesReq) (any, error) {
		return map[string]any{"files": []string{
			bundle.FilePlans,
			bundle.FileSuites,
			bundle.FileCases,
			bundle.FilePoints,
			bundle.FileResults,
			bundle.FileConfigurations,
			bundle.FileVariables,
			bundle.FileSummary,
		}}, nil
	})
}

// --- fetch_history ---

type fetchHistoryReq struct {
	RunID string `json:"run_id"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Service) registerFetchHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "planpipe_fetch_history",
		Description: "List the logged API calls of a past run with per-entity status counts. Requires fetch logging.",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Run identifier from an extraction report"},
			"limit":  map[string]any{"type": "integer", "description": "Maximum calls to return, newest first"},
		}, []string{"run_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, r *fetchHistoryReq) (any, error) {
		if s.store == nil {
			return nil, fmt.Errorf("fetch logging is disabled")
		}
		runID, err := idgen.Parse(r.RunID)
		if err != nil {
			return nil, fmt.Errorf("run_id: %w", err)
		}
		entries, err := s.store.History(ctx, runID, r.Limit)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []runlog.Entry{}
		}
		counts, err := s.store.RunCounts(ctx, runID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"calls": entries, "counts": counts}, nil
	})
}
