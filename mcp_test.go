package planpipe

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/planpipe/idgen"
)

var testMCPImpl = &mcp.Implementation{Name: "planpipe-test", Version: "0.1.0"}

func testService(t *testing.T) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.API.OrganizationURL = "https://dev.azure.com/acme"
	cfg.API.Project = "Payments"
	cfg.API.PersonalAccessToken = "pat"
	svc, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()
	return mcpSessionFor(t, testService(t))
}

func mcpSessionFor(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if result.IsError {
		t.Fatalf("CallTool(%s) tool error: %v", name, result.Content)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func TestMCP_EntityTypes(t *testing.T) {
	session := mcpSession(t)

	text := mcpCallTool(t, session, "planpipe_entity_types", map[string]any{})

	var resp struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Files) != 8 {
		t.Errorf("expected 8 files, got %d: %v", len(resp.Files), resp.Files)
	}
}

func TestMCP_ResolveScope(t *testing.T) {
	session := mcpSession(t)

	path := filepath.Join(t.TempDir(), "refs.csv")
	body := "banner\nname,owner,email,urls\n" +
		"login,ana,ana@x,https://dev.azure.com/acme/Payments/_testPlans/define?planId=12&suiteId=34\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	text := mcpCallTool(t, session, "planpipe_resolve_scope", map[string]any{"path": path})

	var resp struct {
		PlanIDs  []int `json:"plan_ids"`
		Entries  []any `json:"entries"`
		Warnings []any `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.PlanIDs) != 1 || resp.PlanIDs[0] != 12 {
		t.Errorf("plan_ids = %v", resp.PlanIDs)
	}
	if len(resp.Entries) != 1 || len(resp.Warnings) != 0 {
		t.Errorf("entries = %v warnings = %v", resp.Entries, resp.Warnings)
	}
}

func TestMCP_FetchHistory_LoggingDisabled(t *testing.T) {
	// WHAT: Without a fetch log the history tool reports a tool error
	// instead of an empty result.
	session := mcpSession(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "planpipe_fetch_history",
		Arguments: map[string]any{"run_id": idgen.New()},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("want tool error when fetch logging is disabled")
	}
}

func TestMCP_FetchHistory(t *testing.T) {
	// WHAT: The history tool validates the run ID and returns the logged
	// calls of the run, which are none for a run never started.
	cfg := DefaultConfig()
	cfg.API.OrganizationURL = "https://dev.azure.com/acme"
	cfg.API.Project = "Payments"
	cfg.API.PersonalAccessToken = "pat"
	cfg.Output.FetchLog = filepath.Join(t.TempDir(), "fetch.db")
	svc, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	session := mcpSessionFor(t, svc)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "planpipe_fetch_history",
		Arguments: map[string]any{"run_id": "not-a-run-id"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("want tool error for a malformed run id")
	}

	text := mcpCallTool(t, session, "planpipe_fetch_history",
		map[string]any{"run_id": idgen.New()})
	var resp struct {
		Calls []any `json:"calls"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Calls) != 0 {
		t.Errorf("calls = %v, want none", resp.Calls)
	}
}

func TestMCP_ResolveScope_MissingFile(t *testing.T) {
	// WHAT: An unreadable scope file surfaces as a tool error, not a
	// transport failure.
	session := mcpSession(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "planpipe_resolve_scope",
		Arguments: map[string]any{"path": "/nonexistent/refs.csv"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("want tool error for missing file")
	}
}
