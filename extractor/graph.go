package extractor

import (
	"sort"

	"github.com/hazyhaar/planpipe/ado"
	"github.com/hazyhaar/planpipe/workitem"
)

// TestCase is a suite membership record enriched with the decoded work-item
// content. Fields carries the raw server field map so nothing is lost when
// decoding fails; the structured fields then stay empty.
type TestCase struct {
	ado.SuiteTestCase
	Fields          map[string]any       `json:"fields,omitempty"`
	Steps           []workitem.Step      `json:"steps"`
	Parameters      []workitem.Parameter `json:"parameters"`
	ParameterValues []map[string]string  `json:"parameter_values"`
	Precondition    string               `json:"precondition,omitempty"`
}

// EntityGraph is the arena holding every retrieved entity for one run.
// Entities reference each other by ID only; suites and points are keyed by
// (plan_id, id) since suite IDs repeat across plans.
type EntityGraph struct {
	Plans          []ado.Plan          `json:"test_plans"`
	Suites         []ado.Suite         `json:"test_suites"`
	TestCases      []TestCase          `json:"test_cases"`
	TestPoints     []ado.TestPoint     `json:"test_points"`
	TestResults    []ado.TestResult    `json:"test_results"`
	Configurations []ado.Configuration `json:"test_configurations"`
	Variables      []ado.Variable      `json:"test_variables"`
}

func NewEntityGraph() *EntityGraph {
	return &EntityGraph{
		Plans:          []ado.Plan{},
		Suites:         []ado.Suite{},
		TestCases:      []TestCase{},
		TestPoints:     []ado.TestPoint{},
		TestResults:    []ado.TestResult{},
		Configurations: []ado.Configuration{},
		Variables:      []ado.Variable{},
	}
}

// Sort orders every arena deterministically, composite keys first. Runs over
// the same data always serialize byte-identically after this.
func (g *EntityGraph) Sort() {
	sort.Slice(g.Plans, func(i, j int) bool { return g.Plans[i].ID < g.Plans[j].ID })
	sort.Slice(g.Suites, func(i, j int) bool {
		a, b := g.Suites[i], g.Suites[j]
		if a.PlanID != b.PlanID {
			return a.PlanID < b.PlanID
		}
		return a.ID < b.ID
	})
	sort.Slice(g.TestCases, func(i, j int) bool {
		a, b := g.TestCases[i], g.TestCases[j]
		if a.PlanID != b.PlanID {
			return a.PlanID < b.PlanID
		}
		if a.SuiteID != b.SuiteID {
			return a.SuiteID < b.SuiteID
		}
		return a.ID < b.ID
	})
	sort.Slice(g.TestPoints, func(i, j int) bool {
		a, b := g.TestPoints[i], g.TestPoints[j]
		if a.PlanID != b.PlanID {
			return a.PlanID < b.PlanID
		}
		if a.SuiteID != b.SuiteID {
			return a.SuiteID < b.SuiteID
		}
		return a.ID < b.ID
	})
	sort.Slice(g.TestResults, func(i, j int) bool { return g.TestResults[i].ID < g.TestResults[j].ID })
	sort.Slice(g.Configurations, func(i, j int) bool { return g.Configurations[i].ID < g.Configurations[j].ID })
	sort.Slice(g.Variables, func(i, j int) bool { return g.Variables[i].ID < g.Variables[j].ID })
}

// Counts returns per-entity-type totals keyed by the output file basenames.
func (g *EntityGraph) Counts() map[string]int {
	return map[string]int{
		"test_plans":          len(g.Plans),
		"test_suites":         len(g.Suites),
		"test_cases":          len(g.TestCases),
		"test_points":         len(g.TestPoints),
		"test_results":        len(g.TestResults),
		"test_configurations": len(g.Configurations),
		"test_variables":      len(g.Variables),
	}
}
