// Entry point for the planpipe extraction CLI: one batch run per invocation,
// or an MCP stdio server exposing the pipeline as tools.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/planpipe"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		configPath = flag.String("config", env("PLANPIPE_CONFIG", ""), "YAML config file")
		csvPath    = flag.String("csv", "", "CSV reference file; omit for full-project mode")
		outputDir  = flag.String("output", "", "base output directory (overrides config)")
		project    = flag.String("project", "", "project name (overrides config)")
		modular    = flag.Bool("modular", false, "also write per-plan bundle groups")
		mcpMode    = flag.Bool("mcp", false, "serve MCP tools on stdio instead of running")
	)
	flag.Parse()

	cfg := planpipe.DefaultConfig()
	if *configPath != "" {
		loaded, err := planpipe.LoadConfig(*configPath)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if v := os.Getenv("ADO_ORG_URL"); v != "" {
		cfg.API.OrganizationURL = v
	}
	if v := os.Getenv("ADO_PAT"); v != "" {
		cfg.API.PersonalAccessToken = v
	}
	if v := os.Getenv("ADO_PROJECT"); v != "" {
		cfg.API.Project = v
	}
	if *project != "" {
		cfg.API.Project = *project
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := planpipe.New(cfg, logger)
	if err != nil {
		slog.Error("startup", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if *mcpMode {
		srv := mcp.NewServer(&mcp.Implementation{Name: "planpipe", Version: "1.0.0"}, nil)
		svc.RegisterMCP(srv)
		slog.Info("mcp server on stdio")
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
			slog.Error("mcp server", "error", err)
			os.Exit(1)
		}
		return
	}

	report, err := svc.Run(ctx, planpipe.RunOptions{
		ScopePath: *csvPath,
		OutputDir: *outputDir,
		Modular:   *modular,
	})
	if err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}

	slog.Info("run complete",
		"run_id", report.RunID,
		"output_dir", report.OutputDir,
		"files", report.Files,
		"warnings", len(report.Summary.Warnings),
		"failed_scopes", len(report.Summary.FailedScopes))
	for entity, n := range report.Summary.Retrieved {
		slog.Info("retrieved", "entity", entity, "count", n)
	}
	fmt.Fprintf(os.Stdout, "wrote %d files to %s\n", report.Files, report.OutputDir)
}
