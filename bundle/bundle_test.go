package bundle

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/planpipe/ado"
	"github.com/hazyhaar/planpipe/extractor"
)

// twoPlansGraph returns a sorted graph with two plans, a point and a result
// each, and one shared configuration and variable.
func twoPlansGraph() *extractor.EntityGraph {
	g := extractor.NewEntityGraph()
	g.Plans = []ado.Plan{{ID: 1, Name: "A"}, {ID: 2, Name: "B"}}
	g.Suites = []ado.Suite{
		{ID: 10, PlanID: 1, Name: "root-a"},
		{ID: 10, PlanID: 2, Name: "root-b"},
	}
	g.TestCases = []extractor.TestCase{
		{SuiteTestCase: ado.SuiteTestCase{ID: 7, PlanID: 1, SuiteID: 10, WorkItemID: 7}},
	}
	g.TestPoints = []ado.TestPoint{
		{ID: 100, PlanID: 1, SuiteID: 10, TestCaseID: 7, ConfigurationID: 5},
		{ID: 200, PlanID: 2, SuiteID: 10, ConfigurationID: 5},
	}
	g.TestResults = []ado.TestResult{
		{ID: 1000, TestPointID: 100, Outcome: "Passed"},
		{ID: 2000, TestPointID: 200, Outcome: "Failed"},
	}
	g.Configurations = []ado.Configuration{{ID: 5, Name: "Chrome"}}
	g.Variables = []ado.Variable{{ID: 3, Name: "Browser"}}
	return g
}

func emptySummary() *extractor.RunSummary {
	return &extractor.RunSummary{
		RunID:        "run-1",
		Requested:    map[string]int{},
		Retrieved:    map[string]int{},
		Calls:        map[string]int{},
		Warnings:     []extractor.Warning{},
		FailedScopes: []extractor.FailedScope{},
	}
}

func TestAssemble_Monolithic(t *testing.T) {
	// WHAT: Monolithic mode produces the seven entity files plus the run
	// summary and nothing else.
	files, err := Assemble(twoPlansGraph(), emptySummary(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		FilePlans, FileSuites, FileCases, FilePoints, FileResults,
		FileConfigurations, FileVariables, FileSummary,
	}
	if len(files) != len(want) {
		t.Fatalf("files = %d, want %d: %v", len(files), len(want), keys(files))
	}
	for _, name := range want {
		if _, ok := files[name]; !ok {
			t.Errorf("missing %s", name)
		}
	}
}

func TestAssemble_ModularPartition(t *testing.T) {
	// WHAT: The union of per-plan point and result sets equals the
	// monolithic sets with no overlap, and shared files are byte-identical
	// across groups.
	files, err := Assemble(twoPlansGraph(), emptySummary(), Options{Modular: true})
	if err != nil {
		t.Fatal(err)
	}

	var all, got []ado.TestPoint
	mustDecode(t, files[FilePoints], &all)
	for _, dir := range []string{"plan_1", "plan_2"} {
		var pts []ado.TestPoint
		mustDecode(t, files[dir+"/"+FilePoints], &pts)
		got = append(got, pts...)
	}
	if len(got) != len(all) {
		t.Fatalf("union = %d points, monolithic = %d", len(got), len(all))
	}
	seen := map[int]bool{}
	for _, p := range got {
		if seen[p.ID] {
			t.Errorf("point %d appears in two groups", p.ID)
		}
		seen[p.ID] = true
	}

	if !bytes.Equal(files["plan_1/"+FileConfigurations], files["plan_2/"+FileConfigurations]) {
		t.Error("shared configuration copies differ between groups")
	}
	if !bytes.Equal(files["plan_1/"+FileVariables], files[FileVariables]) {
		t.Error("group variable copy differs from monolithic set")
	}
}

func TestAssemble_GroupSummary(t *testing.T) {
	// WHAT: Each group carries a summary scoped to its own plan.
	sum := emptySummary()
	sum.FailedScopes = []extractor.FailedScope{{PlanID: 2, SuiteID: 20, Reason: "gone"}}
	files, err := Assemble(twoPlansGraph(), sum, Options{Modular: true})
	if err != nil {
		t.Fatal(err)
	}
	var gs1, gs2 GroupSummary
	mustDecode(t, files["plan_1/"+FileGroupSummary], &gs1)
	mustDecode(t, files["plan_2/"+FileGroupSummary], &gs2)
	if gs1.Counts["test_points"] != 1 || gs1.Counts["test_results"] != 1 {
		t.Errorf("plan 1 counts = %v", gs1.Counts)
	}
	if len(gs1.FailedScopes) != 0 || len(gs2.FailedScopes) != 1 {
		t.Errorf("failed scopes: plan1=%v plan2=%v", gs1.FailedScopes, gs2.FailedScopes)
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	// WHAT: Two assemblies of the same sorted graph are byte-identical
	// file for file.
	a, err := Assemble(twoPlansGraph(), emptySummary(), Options{Modular: true})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Assemble(twoPlansGraph(), emptySummary(), Options{Modular: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("file sets differ: %d vs %d", len(a), len(b))
	}
	for name, data := range a {
		if !bytes.Equal(data, b[name]) {
			t.Errorf("%s differs between runs", name)
		}
	}
}

func TestAssemble_MissingConfigurationFatal(t *testing.T) {
	// WHAT: A point referencing an absent shared configuration aborts
	// assembly with no output.
	// WHY: Shared-entity completeness is an invariant, not a warning.
	g := twoPlansGraph()
	g.Configurations = nil
	files, err := Assemble(g, emptySummary(), Options{})
	if err == nil {
		t.Fatal("want assembly failure")
	}
	if files != nil {
		t.Errorf("files = %v, want none", keys(files))
	}
}

func TestAssemble_DanglingReferenceWarned(t *testing.T) {
	// WHAT: A point whose suite is missing stays in the bundle and adds a
	// dangling_reference warning to the serialized summary.
	g := twoPlansGraph()
	g.Suites = g.Suites[:1] // drop plan 2's suite
	files, err := Assemble(g, emptySummary(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	var sum extractor.RunSummary
	mustDecode(t, files[FileSummary], &sum)
	found := false
	for _, w := range sum.Warnings {
		if w.Kind == "dangling_reference" && w.Key == "200" {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %+v, want dangling_reference for point 200", sum.Warnings)
	}
	var pts []ado.TestPoint
	mustDecode(t, files[FilePoints], &pts)
	if len(pts) != 2 {
		t.Errorf("points = %d, dangling point must not be dropped", len(pts))
	}
}

func TestWrite_Atomic(t *testing.T) {
	// WHAT: A written bundle appears complete at its final path and no
	// staging residue survives.
	base := t.TempDir()
	dir := filepath.Join(base, "20260301T103000Z_x7k2pq")
	files := map[string][]byte{
		FilePlans:              []byte("[]\n"),
		"plan_1/" + FilePoints: []byte("[]\n"),
	}
	if err := Write(dir, files, nil); err != nil {
		t.Fatal(err)
	}
	for name := range files {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("residue in %s: %v", base, entries)
	}
}

func TestWrite_RefusesExistingDir(t *testing.T) {
	// WHAT: Writing over an existing bundle directory is refused.
	base := t.TempDir()
	dir := filepath.Join(base, "out")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Write(dir, map[string][]byte{FilePlans: []byte("[]")}, nil); err == nil {
		t.Fatal("want error for existing directory")
	}
}

func mustDecode(t *testing.T, data []byte, v any) {
	t.Helper()
	if data == nil {
		t.Fatal("file missing from bundle")
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
