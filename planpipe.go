// Package planpipe extracts test-management data from Azure DevOps Test
// Plans and writes it as structured JSON bundles.
//
// A run resolves an optional CSV scope file into a plan/suite selection,
// walks the entity hierarchy through the API client, enriches test cases
// from their backing work items, and assembles monolithic (and optionally
// per-plan modular) output bundles. Every run ends with a summary of
// requested versus retrieved counts and all accumulated warnings.
package planpipe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/planpipe/ado"
	"github.com/hazyhaar/planpipe/bundle"
	"github.com/hazyhaar/planpipe/extractor"
	"github.com/hazyhaar/planpipe/idgen"
	"github.com/hazyhaar/planpipe/runlog"
	"github.com/hazyhaar/planpipe/scope"
)

// Service wires the pipeline: scope resolution, API client, orchestrator,
// bundle assembly and the optional fetch log.
type Service struct {
	cfg    *Config
	log    *slog.Logger
	client *ado.Client
	store  *runlog.Store // nil when fetch logging is disabled

	// dirname names one run's extraction directory under the output root.
	dirname idgen.Generator
}

// New builds a Service from a validated configuration.
func New(cfg *Config, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var store *runlog.Store
	var opts []ado.Option
	if cfg.Output.FetchLog != "" {
		s, err := runlog.Open(cfg.Output.FetchLog, logger)
		if err != nil {
			return nil, err
		}
		store = s
		opts = append(opts, ado.WithRecorder(store))
	}

	client, err := ado.New(cfg.API, logger, opts...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	return &Service{
		cfg:     cfg,
		log:     logger,
		client:  client,
		store:   store,
		dirname: idgen.Timestamped(idgen.NanoID(6)),
	}, nil
}

// Close releases the fetch log.
func (s *Service) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// RunOptions selects the scope and output of one run. Zero values fall back
// to the service configuration.
type RunOptions struct {
	// ScopePath is the CSV reference file. Empty means full-project mode.
	ScopePath string
	// OutputDir overrides the configured base output directory.
	OutputDir string
	// Modular adds per-plan bundle groups.
	Modular bool
}

// RunReport is the outcome of one completed run.
type RunReport struct {
	RunID         string                `json:"run_id"`
	OutputDir     string                `json:"output_dir"`
	Files         int                   `json:"files"`
	ScopeWarnings []scope.Warning       `json:"scope_warnings,omitempty"`
	Summary       *extractor.RunSummary `json:"summary"`
}

// Run executes one extraction run end to end and writes the bundle set.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	runID := idgen.New()
	if s.store != nil {
		if err := s.store.BeginRun(ctx, runID, s.cfg.API.Project); err != nil {
			return nil, err
		}
	}

	var sc *scope.Scope
	var scopeWarns []scope.Warning
	if opts.ScopePath != "" {
		f, err := os.Open(opts.ScopePath)
		if err != nil {
			return nil, fmt.Errorf("open scope file: %w", err)
		}
		sc, scopeWarns, err = scope.Resolve(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		if sc.Empty() {
			return nil, fmt.Errorf("scope file %s resolved to no plans", opts.ScopePath)
		}
	}

	orch := extractor.New(s.client, s.log, extractor.Config{
		Concurrency: s.cfg.Extract.Concurrency,
		Project:     s.cfg.API.Project,
		RunID:       runID,
	})

	var graph *extractor.EntityGraph
	var sum *extractor.RunSummary
	var err error
	if sc == nil {
		graph, sum, err = orch.ExtractProject(ctx)
	} else {
		graph, sum, err = orch.ExtractScope(ctx, sc)
	}
	if err != nil {
		return nil, err
	}
	for _, w := range scopeWarns {
		sum.Warnings = append(sum.Warnings, extractor.Warning{
			Kind:   "scope_warning",
			Entity: "scope",
			Key:    fmt.Sprintf("row %d", w.Row),
			Detail: w.Reason,
		})
	}

	modular := opts.Modular || s.cfg.Output.Modular
	files, err := bundle.Assemble(graph, sum, bundle.Options{Modular: modular})
	if err != nil {
		return nil, err
	}

	base := opts.OutputDir
	if base == "" {
		base = s.cfg.Output.Dir
	}
	dir := filepath.Join(base, s.dirname())
	if err := bundle.Write(dir, files, s.log); err != nil {
		return nil, err
	}

	if s.store != nil {
		if err := s.store.FinishRun(ctx, runID); err != nil {
			s.log.Warn("fetch log finish failed", slog.Any("error", err))
		}
		if keep := s.cfg.Output.FetchLogKeepDays; keep > 0 {
			cutoff := time.Now().AddDate(0, 0, -keep)
			if _, err := s.store.Prune(ctx, cutoff); err != nil {
				s.log.Warn("fetch log prune failed", slog.Any("error", err))
			}
		}
	}

	return &RunReport{
		RunID:         sum.RunID,
		OutputDir:     dir,
		Files:         len(files),
		ScopeWarnings: scopeWarns,
		Summary:       sum,
	}, nil
}
