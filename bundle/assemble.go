// Package bundle partitions an entity graph into serialized output bundles.
//
// The monolithic bundle (one file per entity type plus the run summary) is
// always produced. Modular mode adds one plan_<id>/ group per plan holding
// the plan's own records and byte-identical copies of the shared
// configuration and variable sets.
package bundle

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/hazyhaar/planpipe/ado"
	"github.com/hazyhaar/planpipe/extractor"
)

// Per-entity-type file names, shared by monolithic and modular bundles.
const (
	FilePlans          = "test_plans.json"
	FileSuites         = "test_suites.json"
	FileCases          = "test_cases.json"
	FilePoints         = "test_points.json"
	FileResults        = "test_results.json"
	FileConfigurations = "test_configurations.json"
	FileVariables      = "test_variables.json"
	FileSummary        = "extraction_summary.json"
	FileGroupSummary   = "summary.json"
)

// Options selects the bundle layout.
type Options struct {
	// Modular adds per-plan bundle groups alongside the monolithic set.
	Modular bool
}

// GroupSummary accompanies one modular plan group.
type GroupSummary struct {
	PlanID       int                     `json:"plan_id"`
	PlanName     string                  `json:"plan_name,omitempty"`
	Counts       map[string]int          `json:"counts"`
	FailedScopes []extractor.FailedScope `json:"failed_scopes"`
}

// Assemble partitions the graph into relative-path → serialized JSON. The
// graph must be sorted; the orchestrator guarantees that. A reference from a
// test point to a missing shared configuration is fatal and nothing is
// returned; dangling suite or case references are appended to the summary
// warnings instead.
func Assemble(g *extractor.EntityGraph, sum *extractor.RunSummary, opts Options) (map[string][]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("assemble: nil graph")
	}
	if err := checkConfigurations(g); err != nil {
		return nil, err
	}

	// Work on a copy so validation warnings do not mutate the caller's
	// summary.
	s := *sum
	s.Warnings = append(append([]extractor.Warning{}, sum.Warnings...), danglingWarnings(g)...)

	files := make(map[string][]byte)
	put := func(name string, v any) error {
		b, err := marshal(v)
		if err != nil {
			return fmt.Errorf("assemble %s: %w", name, err)
		}
		files[name] = b
		return nil
	}

	monolithic := []struct {
		name string
		v    any
	}{
		{FilePlans, g.Plans},
		{FileSuites, g.Suites},
		{FileCases, g.TestCases},
		{FilePoints, g.TestPoints},
		{FileResults, g.TestResults},
		{FileConfigurations, g.Configurations},
		{FileVariables, g.Variables},
		{FileSummary, &s},
	}
	for _, m := range monolithic {
		if err := put(m.name, m.v); err != nil {
			return nil, err
		}
	}

	if !opts.Modular {
		return files, nil
	}

	// Shared sets are serialized once and the bytes reused per group, so
	// every modular copy is byte-identical.
	sharedConfs := files[FileConfigurations]
	sharedVars := files[FileVariables]

	planOfPoint := make(map[int]int, len(g.TestPoints))
	for _, p := range g.TestPoints {
		planOfPoint[p.ID] = p.PlanID
	}

	for _, plan := range g.Plans {
		dir := fmt.Sprintf("plan_%d", plan.ID)

		pts := make([]ado.TestPoint, 0)
		for _, p := range g.TestPoints {
			if p.PlanID == plan.ID {
				pts = append(pts, p)
			}
		}

		results := make([]ado.TestResult, 0)
		for _, r := range g.TestResults {
			if planOfPoint[r.TestPointID] == plan.ID {
				results = append(results, r)
			}
		}

		failed := make([]extractor.FailedScope, 0)
		for _, fs := range s.FailedScopes {
			if fs.PlanID == plan.ID {
				failed = append(failed, fs)
			}
		}

		gs := &GroupSummary{
			PlanID:   plan.ID,
			PlanName: plan.Name,
			Counts: map[string]int{
				"test_plans":          1,
				"test_points":         len(pts),
				"test_results":        len(results),
				"test_configurations": len(g.Configurations),
				"test_variables":      len(g.Variables),
			},
			FailedScopes: failed,
		}

		if err := put(path.Join(dir, FilePlans), []ado.Plan{plan}); err != nil {
			return nil, err
		}
		if err := put(path.Join(dir, FilePoints), pts); err != nil {
			return nil, err
		}
		if err := put(path.Join(dir, FileResults), results); err != nil {
			return nil, err
		}
		files[path.Join(dir, FileConfigurations)] = sharedConfs
		files[path.Join(dir, FileVariables)] = sharedVars
		if err := put(path.Join(dir, FileGroupSummary), gs); err != nil {
			return nil, err
		}
	}

	return files, nil
}

// checkConfigurations verifies every configuration a point references exists
// in the shared set.
func checkConfigurations(g *extractor.EntityGraph) error {
	known := make(map[int]bool, len(g.Configurations))
	for _, c := range g.Configurations {
		known[c.ID] = true
	}
	for _, p := range g.TestPoints {
		if p.ConfigurationID != 0 && !known[p.ConfigurationID] {
			return fmt.Errorf("assemble: test point %d references missing configuration %d",
				p.ID, p.ConfigurationID)
		}
	}
	return nil
}

// danglingWarnings reports points whose suite or case is absent from the
// graph. They stay in the bundle; the defect is surfaced, not dropped.
func danglingWarnings(g *extractor.EntityGraph) []extractor.Warning {
	suites := make(map[[2]int]bool, len(g.Suites))
	for _, s := range g.Suites {
		suites[[2]int{s.PlanID, s.ID}] = true
	}
	cases := make(map[int]bool, len(g.TestCases))
	for _, c := range g.TestCases {
		cases[c.ID] = true
	}

	var warns []extractor.Warning
	for _, p := range g.TestPoints {
		if !suites[[2]int{p.PlanID, p.SuiteID}] {
			warns = append(warns, extractor.Warning{
				Kind:   "dangling_reference",
				Entity: "test_points",
				Key:    fmt.Sprintf("%d", p.ID),
				Detail: fmt.Sprintf("suite %d/%d not in graph", p.PlanID, p.SuiteID),
			})
		}
		if p.TestCaseID != 0 && !cases[p.TestCaseID] {
			warns = append(warns, extractor.Warning{
				Kind:   "dangling_reference",
				Entity: "test_points",
				Key:    fmt.Sprintf("%d", p.ID),
				Detail: fmt.Sprintf("test case %d not in graph", p.TestCaseID),
			})
		}
	}
	return warns
}

func marshal(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
