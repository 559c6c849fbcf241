// Package extractor walks the test-plan hierarchy in dependency order and
// assembles the entity graph for one run.
//
// Plans come first, then suites (filtered to scope plus their ancestor and
// descendant closure), then cases, points, results and the project-wide
// shared entities. A plan whose fetch fails takes its scope entries down with
// it and the run continues; a failed leaf fetch becomes a recorded gap.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/planpipe/ado"
	"github.com/hazyhaar/planpipe/idgen"
	"github.com/hazyhaar/planpipe/scope"
	"github.com/hazyhaar/planpipe/workitem"
)

// EntityClient is the fetch surface the orchestrator drives. *ado.Client
// implements it; tests substitute fakes.
type EntityClient interface {
	FetchPlans(ctx context.Context) ([]ado.Plan, error)
	FetchPlan(ctx context.Context, planID int) (*ado.Plan, error)
	FetchSuites(ctx context.Context, planID int) ([]ado.Suite, error)
	FetchTestCases(ctx context.Context, planID, suiteID int) ([]ado.SuiteTestCase, error)
	FetchTestPoints(ctx context.Context, planID, suiteID int) ([]ado.TestPoint, error)
	FetchTestResults(ctx context.Context, pointIDs []int) ([]ado.TestResult, error)
	FetchConfigurations(ctx context.Context) ([]ado.Configuration, error)
	FetchVariables(ctx context.Context) ([]ado.Variable, error)
	FetchWorkItems(ctx context.Context, ids []int, fields []string) ([]ado.WorkItem, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Concurrency caps simultaneous plan walks. Defaults to 4.
	Concurrency int
	// Project is recorded in the run summary.
	Project string
	// RunID overrides the generated run identifier, so a caller that
	// registers the run elsewhere first can reuse its ID.
	RunID string
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Warning is one recoverable defect observed during extraction.
type Warning struct {
	Kind   string `json:"kind"`   // fetch_failure, decode_warning, scope_warning
	Entity string `json:"entity"` // entity type the warning concerns
	Key    string `json:"key,omitempty"`
	Detail string `json:"detail"`
}

// FailedScope is a scope entry dropped because its plan could not be walked.
type FailedScope struct {
	PlanID  int    `json:"plan_id"`
	SuiteID int    `json:"suite_id,omitempty"`
	Reason  string `json:"reason"`
}

// RunSummary is the accounting record of one extraction run.
//
// Requested and Retrieved both count entities, so they compare directly:
// Requested covers the entity types asked for by explicit ID, Retrieved what
// actually arrived. Listing endpoints, whose entity counts are unknown until
// the response, show up in Calls instead, one increment per API call issued.
type RunSummary struct {
	RunID        string         `json:"run_id"`
	Project      string         `json:"project,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Requested    map[string]int `json:"requested"`
	Retrieved    map[string]int `json:"retrieved"`
	Calls        map[string]int `json:"calls"`
	Warnings     []Warning      `json:"warnings"`
	FailedScopes []FailedScope  `json:"failed_scopes"`
}

// Orchestrator drives an extraction run against one project.
type Orchestrator struct {
	client EntityClient
	dec    *workitem.Decoder
	log    *slog.Logger
	cfg    Config
}

func New(client EntityClient, logger *slog.Logger, cfg Config) *Orchestrator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client: client,
		dec:    workitem.NewDecoder(),
		log:    logger,
		cfg:    cfg,
	}
}

// run carries the mutable state of one extraction.
type run struct {
	mu    sync.Mutex
	graph *EntityGraph
	sum   *RunSummary
	cache *fetchCache
	sc    *scope.Scope

	// workItems counts the items actually fetched; folded into Retrieved
	// once the arenas are final.
	workItems int
}

func (r *run) warn(w Warning) {
	r.mu.Lock()
	r.sum.Warnings = append(r.sum.Warnings, w)
	r.mu.Unlock()
}

func (r *run) requested(entity string, n int) {
	r.mu.Lock()
	r.sum.Requested[entity] += n
	r.mu.Unlock()
}

func (r *run) called(entity string) {
	r.mu.Lock()
	r.sum.Calls[entity]++
	r.mu.Unlock()
}

// newRun initializes the mutable state and summary of one extraction.
func (o *Orchestrator) newRun() *run {
	runID := o.cfg.RunID
	if runID == "" {
		runID = idgen.New()
	}
	return &run{
		graph: NewEntityGraph(),
		sum: &RunSummary{
			RunID:        runID,
			Project:      o.cfg.Project,
			StartedAt:    time.Now().UTC(),
			Requested:    make(map[string]int),
			Retrieved:    make(map[string]int),
			Calls:        make(map[string]int),
			Warnings:     []Warning{},
			FailedScopes: []FailedScope{},
		},
		cache: newFetchCache(),
	}
}

// ExtractProject extracts every plan of the project. A project without plans
// completes as an empty run, not an error.
func (o *Orchestrator) ExtractProject(ctx context.Context) (*EntityGraph, *RunSummary, error) {
	plans, err := o.client.FetchPlans(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list plans: %w", err)
	}
	if len(plans) == 0 {
		r := o.newRun()
		r.sum.Retrieved = r.graph.Counts()
		r.sum.FinishedAt = time.Now().UTC()
		o.log.Info("extraction finished",
			slog.String("run_id", r.sum.RunID), slog.Int("plans", 0))
		return r.graph, r.sum, nil
	}
	ids := make([]int, len(plans))
	for i, p := range plans {
		ids[i] = p.ID
	}
	return o.ExtractScope(ctx, scope.AllPlans(ids))
}

// ExtractScope extracts the plans and suites the scope selects. The returned
// error is non-nil only for run-level failures; per-scope and per-leaf
// problems are recorded in the summary.
func (o *Orchestrator) ExtractScope(ctx context.Context, sc *scope.Scope) (*EntityGraph, *RunSummary, error) {
	if sc == nil || sc.Empty() {
		return nil, nil, fmt.Errorf("empty scope: nothing to extract")
	}

	r := o.newRun()
	r.sc = sc

	planIDs := sc.PlanIDs()
	r.requested("test_plans", len(planIDs))
	o.log.Info("extraction started",
		slog.String("run_id", r.sum.RunID),
		slog.Int("plans", len(planIDs)))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.Concurrency)
	for _, planID := range planIDs {
		eg.Go(func() error {
			o.extractPlan(gctx, r, planID)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	o.enrichTestCases(ctx, r)
	o.fetchResults(ctx, r)
	o.fetchShared(ctx, r)

	r.graph.Sort()
	r.sum.Retrieved = r.graph.Counts()
	if _, ok := r.sum.Requested["work_items"]; ok {
		r.sum.Retrieved["work_items"] = r.workItems
	}
	r.sum.FinishedAt = time.Now().UTC()

	o.log.Info("extraction finished",
		slog.String("run_id", r.sum.RunID),
		slog.Int("plans", len(r.graph.Plans)),
		slog.Int("cases", len(r.graph.TestCases)),
		slog.Int("warnings", len(r.sum.Warnings)))
	return r.graph, r.sum, nil
}

// extractPlan walks one plan: the plan record, its suites filtered to scope,
// then cases and points per retained suite.
func (o *Orchestrator) extractPlan(ctx context.Context, r *run, planID int) {
	v, err := r.cache.do(ctx, cacheKey{kind: "plan", a: planID}, func() (any, error) {
		r.called("test_plans")
		return o.client.FetchPlan(ctx, planID)
	})
	if err != nil {
		o.failScope(r, planID, fmt.Sprintf("fetch plan: %v", err))
		return
	}
	plan := v.(*ado.Plan)

	v, err = r.cache.do(ctx, cacheKey{kind: "suites", a: planID}, func() (any, error) {
		r.called("test_suites")
		return o.client.FetchSuites(ctx, planID)
	})
	if err != nil {
		o.failScope(r, planID, fmt.Sprintf("fetch suites: %v", err))
		return
	}
	suites, missing := filterSuites(v.([]ado.Suite), r.sc, planID)

	r.mu.Lock()
	r.graph.Plans = append(r.graph.Plans, *plan)
	r.graph.Suites = append(r.graph.Suites, suites...)
	for _, id := range missing {
		r.sum.FailedScopes = append(r.sum.FailedScopes, FailedScope{
			PlanID: planID, SuiteID: id,
			Reason: "suite not present in plan suite listing",
		})
	}
	r.mu.Unlock()
	for _, id := range missing {
		o.log.Warn("scoped suite missing from plan",
			slog.Int("plan_id", planID), slog.Int("suite_id", id))
	}

	for _, s := range suites {
		o.extractSuite(ctx, r, planID, s.ID)
	}
}

// extractSuite fetches cases and points of one suite. Failures are gaps, not
// scope failures: the rest of the plan continues.
func (o *Orchestrator) extractSuite(ctx context.Context, r *run, planID, suiteID int) {
	key := fmt.Sprintf("%d/%d", planID, suiteID)

	v, err := r.cache.do(ctx, cacheKey{kind: "cases", a: planID, b: suiteID}, func() (any, error) {
		r.called("test_cases")
		return o.client.FetchTestCases(ctx, planID, suiteID)
	})
	if err != nil {
		r.warn(Warning{Kind: "fetch_failure", Entity: "test_cases", Key: key, Detail: err.Error()})
	} else {
		cases := v.([]ado.SuiteTestCase)
		caseIDs := make([]int, len(cases))
		for i, c := range cases {
			caseIDs[i] = c.ID
		}
		r.mu.Lock()
		for i := range r.graph.Suites {
			s := &r.graph.Suites[i]
			if s.PlanID == planID && s.ID == suiteID {
				s.TestCaseIDs = caseIDs
				break
			}
		}
		for _, c := range cases {
			r.graph.TestCases = append(r.graph.TestCases, TestCase{
				SuiteTestCase:   c,
				Steps:           []workitem.Step{},
				Parameters:      []workitem.Parameter{},
				ParameterValues: []map[string]string{},
			})
		}
		r.mu.Unlock()
	}

	v, err = r.cache.do(ctx, cacheKey{kind: "points", a: planID, b: suiteID}, func() (any, error) {
		r.called("test_points")
		return o.client.FetchTestPoints(ctx, planID, suiteID)
	})
	if err != nil {
		r.warn(Warning{Kind: "fetch_failure", Entity: "test_points", Key: key, Detail: err.Error()})
		return
	}
	points := v.([]ado.TestPoint)
	r.mu.Lock()
	r.graph.TestPoints = append(r.graph.TestPoints, points...)
	r.mu.Unlock()
}

// enrichTestCases batch-fetches the work items behind every collected case
// and decodes their markup fields. A failed batch leaves only its own cases
// raw-only with warnings; items from surviving batches are applied, and the
// run never aborts.
func (o *Orchestrator) enrichTestCases(ctx context.Context, r *run) {
	idSet := make(map[int]bool)
	for i := range r.graph.TestCases {
		if id := r.graph.TestCases[i].WorkItemID; id > 0 {
			idSet[id] = true
		}
	}
	if len(idSet) == 0 {
		return
	}
	ids := make([]int, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	r.requested("work_items", len(ids))
	r.called("work_items")
	items, err := o.client.FetchWorkItems(ctx, ids, ado.TestCaseFields())
	if err != nil {
		// The client hands back the batches that did succeed alongside
		// the error. Those items still enrich their cases below; only
		// the absent IDs stay raw.
		r.warn(Warning{Kind: "fetch_failure", Entity: "work_items",
			Detail: fmt.Sprintf("batch fetch of %d work items: %v", len(ids), err)})
	}

	byID := make(map[int]*ado.WorkItem, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}
	r.workItems = len(byID)

	for i := range r.graph.TestCases {
		tc := &r.graph.TestCases[i]
		wi, ok := byID[tc.WorkItemID]
		if !ok {
			// Batch endpoint omits missing items; the case keeps its
			// membership record only.
			r.warn(Warning{Kind: "fetch_failure", Entity: "work_items",
				Key:    fmt.Sprintf("%d", tc.WorkItemID),
				Detail: "work item absent from batch response"})
			continue
		}
		tc.Fields = wi.Fields
		if tc.Name == "" {
			tc.Name = wi.Field(ado.FieldTitle)
		}
		e := o.dec.Decode(wi)
		tc.Steps = e.Steps
		tc.Parameters = e.Parameters
		tc.ParameterValues = e.ParameterValues
		tc.Precondition = e.Precondition
		for _, w := range e.Warnings {
			r.warn(Warning{Kind: "decode_warning", Entity: "test_cases",
				Key:    fmt.Sprintf("%d", tc.WorkItemID),
				Detail: w.Field + ": " + w.Detail})
		}
	}
}

// fetchResults queries execution results for every collected point.
func (o *Orchestrator) fetchResults(ctx context.Context, r *run) {
	if len(r.graph.TestPoints) == 0 {
		return
	}
	ids := make([]int, len(r.graph.TestPoints))
	for i, p := range r.graph.TestPoints {
		ids[i] = p.ID
	}
	r.requested("test_results", len(ids))
	r.called("test_results")
	results, err := o.client.FetchTestResults(ctx, ids)
	if err != nil {
		r.warn(Warning{Kind: "fetch_failure", Entity: "test_results",
			Detail: fmt.Sprintf("results query for %d points: %v", len(ids), err)})
		return
	}
	r.mu.Lock()
	r.graph.TestResults = append(r.graph.TestResults, results...)
	r.mu.Unlock()
}

// fetchShared pulls the project-wide configurations and variables, once.
func (o *Orchestrator) fetchShared(ctx context.Context, r *run) {
	r.called("test_configurations")
	confs, err := o.client.FetchConfigurations(ctx)
	if err != nil {
		r.warn(Warning{Kind: "fetch_failure", Entity: "test_configurations", Detail: err.Error()})
	} else {
		r.graph.Configurations = append(r.graph.Configurations, confs...)
	}

	r.called("test_variables")
	vars, err := o.client.FetchVariables(ctx)
	if err != nil {
		r.warn(Warning{Kind: "fetch_failure", Entity: "test_variables", Detail: err.Error()})
	} else {
		r.graph.Variables = append(r.graph.Variables, vars...)
	}
}

// failScope drops every scope entry of the plan and records why.
func (o *Orchestrator) failScope(r *run, planID int, reason string) {
	o.log.Warn("scope dropped", slog.Int("plan_id", planID), slog.String("reason", reason))
	r.mu.Lock()
	defer r.mu.Unlock()
	entered := false
	for _, e := range r.sc.Entries {
		if e.PlanID != planID {
			continue
		}
		entered = true
		r.sum.FailedScopes = append(r.sum.FailedScopes, FailedScope{
			PlanID: e.PlanID, SuiteID: e.SuiteID, Reason: reason,
		})
	}
	if !entered {
		r.sum.FailedScopes = append(r.sum.FailedScopes, FailedScope{PlanID: planID, Reason: reason})
	}
}

// filterSuites keeps the suites the scope selects plus their ancestor chain
// and descendant subtrees, so retained suites always reach the root. Selected
// suite IDs absent from the plan's listing come back in missing.
func filterSuites(all []ado.Suite, sc *scope.Scope, planID int) (kept []ado.Suite, missing []int) {
	for i := range all {
		all[i].PlanID = planID
	}
	if sc.FullPlan(planID) {
		return all, nil
	}
	selected, ok := sc.SuitesByPlan[planID]
	if !ok {
		return nil, nil
	}

	byID := make(map[int]*ado.Suite, len(all))
	children := make(map[int][]int, len(all))
	for i := range all {
		s := &all[i]
		byID[s.ID] = s
		if s.ParentSuiteID != 0 {
			children[s.ParentSuiteID] = append(children[s.ParentSuiteID], s.ID)
		}
	}

	keep := make(map[int]bool)
	var descend func(id int)
	descend = func(id int) {
		if keep[id] {
			return
		}
		keep[id] = true
		for _, c := range children[id] {
			descend(c)
		}
	}
	for _, id := range selected {
		if _, exists := byID[id]; !exists {
			// Vanished since the reference file was written; the caller
			// records the dropped scope entry.
			missing = append(missing, id)
			continue
		}
		descend(id)
		// Ancestors, without their other subtrees.
		for p := byID[id].ParentSuiteID; p != 0; {
			if keep[p] {
				break
			}
			keep[p] = true
			s, exists := byID[p]
			if !exists {
				break
			}
			p = s.ParentSuiteID
		}
	}

	kept = make([]ado.Suite, 0, len(keep))
	for _, s := range all {
		if keep[s.ID] {
			kept = append(kept, s)
		}
	}
	return kept, missing
}
