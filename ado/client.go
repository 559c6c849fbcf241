// Package ado is the Azure DevOps Test Plans API client.
//
// It owns transport concerns: PAT authentication, pagination via the
// x-ms-continuationtoken header, bounded work-item batches, and retry with
// backoff on 429/5xx. Callers above it treat any surfaced error as final.
package ado

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const apiVersion = "7.1"

// Config configures the client.
type Config struct {
	// OrganizationURL is the API root, e.g. https://dev.azure.com/acme.
	OrganizationURL string `yaml:"organization_url"`
	// Project is the project name all requests are scoped to.
	Project string `yaml:"project"`
	// PersonalAccessToken authenticates every request (HTTP basic, empty user).
	PersonalAccessToken string `yaml:"personal_access_token"`

	Timeout  time.Duration `yaml:"timeout"`   // per-request. Default: 30s.
	MaxBytes int64         `yaml:"max_bytes"` // max response body. Default: 32MB.
	// BatchSize bounds work-item and result-query batches. The service caps
	// work-item batches at 200. Default: 200.
	BatchSize int `yaml:"batch_size"`
	// MaxRetries is the number of re-attempts on 429/5xx. Default: 3.
	MaxRetries int    `yaml:"max_retries"`
	UserAgent  string `yaml:"user_agent"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 32 * 1024 * 1024
	}
	if c.BatchSize <= 0 || c.BatchSize > 200 {
		c.BatchSize = 200
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.UserAgent == "" {
		c.UserAgent = "planpipe/1.0"
	}
}

// Validate checks that the client can be constructed.
func (c *Config) Validate() error {
	if c.OrganizationURL == "" {
		return fmt.Errorf("organization_url is required")
	}
	if c.Project == "" {
		return fmt.Errorf("project is required")
	}
	if c.PersonalAccessToken == "" {
		return fmt.Errorf("personal_access_token is required")
	}
	return nil
}

// Call is one recorded API invocation, fed to an optional Recorder.
type Call struct {
	Entity     string // plan, suite, test_case, test_point, test_result, configuration, variable, work_item
	Key        string // entity or parent key, e.g. "plan=12 suite=34"
	Status     string // ok | error
	StatusCode int
	Err        string
	Duration   time.Duration
}

// Recorder receives one Call per client operation. Implementations must be
// safe for concurrent use.
type Recorder interface {
	RecordCall(ctx context.Context, call Call)
}

// Client talks to the Azure DevOps REST API.
type Client struct {
	http     *http.Client
	cfg      Config
	base     string // trimmed organization URL
	logger   *slog.Logger
	recorder Recorder
}

// Option customises the client.
type Option func(*Client)

// WithRecorder attaches a per-call recorder (fetch log).
func WithRecorder(r Recorder) Option { return func(c *Client) { c.recorder = r } }

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New creates a Client.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ado: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		base:   strings.TrimRight(cfg.OrganizationURL, "/"),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BatchSize exposes the configured batch bound to callers that pre-group IDs.
func (c *Client) BatchSize() int { return c.cfg.BatchSize }

// --- transport ---

// do performs one request with retry on 429/5xx and transport errors.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) ([]byte, http.Header, int, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
		if err != nil {
			return nil, nil, 0, fmt.Errorf("new request: %w", err)
		}
		req.SetBasicAuth("", c.cfg.PersonalAccessToken)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http %s: %w", method, err)
		} else {
			data, readErr := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes))
			resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = fmt.Errorf("read body: %w", readErr)
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return data, resp.Header, resp.StatusCode, nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, truncate(data, 200))
			default:
				// Client errors (401, 403, 404) are final.
				return nil, resp.Header, resp.StatusCode,
					fmt.Errorf("http %d: %s", resp.StatusCode, truncate(data, 200))
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				if attempt >= c.cfg.MaxRetries {
					return nil, resp.Header, resp.StatusCode, lastErr
				}
				if err := sleepBackoff(ctx, attempt, resp.Header.Get("Retry-After")); err != nil {
					return nil, nil, 0, err
				}
				continue
			}
		}
		if attempt >= c.cfg.MaxRetries {
			return nil, nil, 0, lastErr
		}
		if err := sleepBackoff(ctx, attempt, ""); err != nil {
			return nil, nil, 0, err
		}
	}
}

func sleepBackoff(ctx context.Context, attempt int, retryAfter string) error {
	delay := 500 * time.Millisecond << attempt
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			delay = time.Duration(secs) * time.Second
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// projectURL builds {org}/{project}/{path}?api-version=...&{query}.
func (c *Client) projectURL(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", apiVersion)
	return c.base + "/" + url.PathEscape(c.cfg.Project) + "/" + path + "?" + query.Encode()
}

// getPaged follows the continuation-token pagination of list endpoints and
// returns the concatenated value arrays.
func (c *Client) getPaged(ctx context.Context, path string, query url.Values) ([]json.RawMessage, error) {
	var all []json.RawMessage
	token := ""
	for {
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		if token != "" {
			q.Set("continuationToken", token)
		}
		data, hdr, _, err := c.do(ctx, http.MethodGet, c.projectURL(path, q), nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Value []json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		all = append(all, page.Value...)
		token = hdr.Get("X-MS-ContinuationToken")
		if token == "" {
			return all, nil
		}
	}
}

// record feeds the optional recorder and the debug log.
func (c *Client) record(ctx context.Context, entity, key string, start time.Time, code int, err error) {
	status := "ok"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	c.logger.Debug("ado call", "entity", entity, "key", key, "status", status,
		"duration", time.Since(start))
	if c.recorder != nil {
		c.recorder.RecordCall(ctx, Call{
			Entity:     entity,
			Key:        key,
			Status:     status,
			StatusCode: code,
			Err:        errMsg,
			Duration:   time.Since(start),
		})
	}
}

// --- wire shapes (server camelCase) ---

type wireIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
}

func (w *wireIdentity) ref() *IdentityRef {
	if w == nil || (w.ID == "" && w.DisplayName == "" && w.UniqueName == "") {
		return nil
	}
	return &IdentityRef{ID: w.ID, DisplayName: w.DisplayName, UniqueName: w.UniqueName}
}

type wireRef struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

func (w wireRef) intID() int {
	n, _ := strconv.Atoi(w.ID.String())
	return n
}

type wirePlan struct {
	ID          int           `json:"id"`
	Name        string        `json:"name"`
	AreaPath    string        `json:"areaPath"`
	Iteration   string        `json:"iteration"`
	Description string        `json:"description"`
	State       string        `json:"state"`
	StartDate   string        `json:"startDate"`
	EndDate     string        `json:"endDate"`
	UpdatedDate string        `json:"updatedDate"`
	Revision    int           `json:"revision"`
	RootSuite   wireRef       `json:"rootSuite"`
	Owner       *wireIdentity `json:"owner"`
	UpdatedBy   *wireIdentity `json:"updatedBy"`
}

func (w *wirePlan) plan() Plan {
	return Plan{
		ID:            w.ID,
		Name:          w.Name,
		AreaPath:      w.AreaPath,
		IterationPath: w.Iteration,
		Description:   w.Description,
		State:         w.State,
		StartDate:     w.StartDate,
		EndDate:       w.EndDate,
		UpdatedDate:   w.UpdatedDate,
		Revision:      w.Revision,
		RootSuite:     SuiteRef{ID: w.RootSuite.intID(), Name: w.RootSuite.Name},
		Owner:         w.Owner.ref(),
		UpdatedBy:     w.UpdatedBy.ref(),
	}
}

// --- operations ---

// FetchPlans lists every test plan of the project.
func (c *Client) FetchPlans(ctx context.Context) ([]Plan, error) {
	start := time.Now()
	raw, err := c.getPaged(ctx, "_apis/testplan/plans", nil)
	c.record(ctx, "plan", "all", start, 0, err)
	if err != nil {
		return nil, fmt.Errorf("fetch plans: %w", err)
	}
	plans := make([]Plan, 0, len(raw))
	for _, r := range raw {
		var wp wirePlan
		if err := json.Unmarshal(r, &wp); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		plans = append(plans, wp.plan())
	}
	return plans, nil
}

// FetchPlan retrieves a single test plan by ID.
func (c *Client) FetchPlan(ctx context.Context, planID int) (*Plan, error) {
	start := time.Now()
	data, _, code, err := c.do(ctx, http.MethodGet,
		c.projectURL(fmt.Sprintf("_apis/testplan/plans/%d", planID), nil), nil)
	c.record(ctx, "plan", strconv.Itoa(planID), start, code, err)
	if err != nil {
		return nil, fmt.Errorf("fetch plan %d: %w", planID, err)
	}
	var wp wirePlan
	if err := json.Unmarshal(data, &wp); err != nil {
		return nil, fmt.Errorf("decode plan %d: %w", planID, err)
	}
	p := wp.plan()
	return &p, nil
}

// FetchSuites lists every suite of a plan, including nested suites.
func (c *Client) FetchSuites(ctx context.Context, planID int) ([]Suite, error) {
	start := time.Now()
	raw, err := c.getPaged(ctx, fmt.Sprintf("_apis/testplan/Plans/%d/suites", planID), nil)
	c.record(ctx, "suite", fmt.Sprintf("plan=%d", planID), start, 0, err)
	if err != nil {
		return nil, fmt.Errorf("fetch suites for plan %d: %w", planID, err)
	}
	suites := make([]Suite, 0, len(raw))
	for _, r := range raw {
		var ws struct {
			ID              int       `json:"id"`
			Name            string    `json:"name"`
			SuiteType       string    `json:"suiteType"`
			State           string    `json:"state"`
			RequirementID   int       `json:"requirementId"`
			QueryString     string    `json:"queryString"`
			InheritDefaults bool      `json:"inheritDefaultConfigurations"`
			LastUpdatedDate string    `json:"lastUpdatedDate"`
			ParentSuite     wireRef   `json:"parentSuite"`
			DefaultConfigs  []wireRef `json:"defaultConfigurations"`
		}
		if err := json.Unmarshal(r, &ws); err != nil {
			return nil, fmt.Errorf("decode suite: %w", err)
		}
		s := Suite{
			ID:              ws.ID,
			PlanID:          planID,
			ParentSuiteID:   ws.ParentSuite.intID(),
			Name:            ws.Name,
			SuiteType:       ws.SuiteType,
			State:           ws.State,
			RequirementID:   ws.RequirementID,
			QueryString:     ws.QueryString,
			InheritDefaults: ws.InheritDefaults,
			LastUpdatedDate: ws.LastUpdatedDate,
		}
		for _, dc := range ws.DefaultConfigs {
			s.DefaultConfigs = append(s.DefaultConfigs, dc.intID())
		}
		suites = append(suites, s)
	}
	return suites, nil
}

// FetchTestCases lists the test-case memberships of one suite.
func (c *Client) FetchTestCases(ctx context.Context, planID, suiteID int) ([]SuiteTestCase, error) {
	start := time.Now()
	raw, err := c.getPaged(ctx,
		fmt.Sprintf("_apis/testplan/Plans/%d/Suites/%d/TestCase", planID, suiteID), nil)
	c.record(ctx, "test_case", fmt.Sprintf("plan=%d suite=%d", planID, suiteID), start, 0, err)
	if err != nil {
		return nil, fmt.Errorf("fetch test cases for plan %d suite %d: %w", planID, suiteID, err)
	}
	cases := make([]SuiteTestCase, 0, len(raw))
	for _, r := range raw {
		var wc struct {
			WorkItem wireRef `json:"workItem"`
			Order    int     `json:"order"`
		}
		if err := json.Unmarshal(r, &wc); err != nil {
			return nil, fmt.Errorf("decode test case: %w", err)
		}
		id := wc.WorkItem.intID()
		cases = append(cases, SuiteTestCase{
			ID:         id,
			Name:       wc.WorkItem.Name,
			WorkItemID: id,
			Order:      wc.Order,
			PlanID:     planID,
			SuiteID:    suiteID,
		})
	}
	return cases, nil
}

// FetchTestPoints lists the test points of one suite.
func (c *Client) FetchTestPoints(ctx context.Context, planID, suiteID int) ([]TestPoint, error) {
	start := time.Now()
	raw, err := c.getPaged(ctx,
		fmt.Sprintf("_apis/testplan/Plans/%d/Suites/%d/TestPoint", planID, suiteID), nil)
	c.record(ctx, "test_point", fmt.Sprintf("plan=%d suite=%d", planID, suiteID), start, 0, err)
	if err != nil {
		return nil, fmt.Errorf("fetch test points for plan %d suite %d: %w", planID, suiteID, err)
	}
	points := make([]TestPoint, 0, len(raw))
	for _, r := range raw {
		var wp struct {
			ID            int           `json:"id"`
			TestCaseRef   wireRef       `json:"testCaseReference"`
			Configuration wireRef       `json:"configuration"`
			Tester        *wireIdentity `json:"tester"`
			Results       struct {
				Outcome string `json:"outcome"`
				State   string `json:"state"`
			} `json:"results"`
		}
		if err := json.Unmarshal(r, &wp); err != nil {
			return nil, fmt.Errorf("decode test point: %w", err)
		}
		points = append(points, TestPoint{
			ID:                wp.ID,
			PlanID:            planID,
			SuiteID:           suiteID,
			TestCaseID:        wp.TestCaseRef.intID(),
			TestCaseTitle:     wp.TestCaseRef.Name,
			ConfigurationID:   wp.Configuration.intID(),
			ConfigurationName: wp.Configuration.Name,
			Outcome:           wp.Results.Outcome,
			State:             wp.Results.State,
			Tester:            wp.Tester.ref(),
		})
	}
	return points, nil
}

// FetchTestResults retrieves results for a set of test points, batched at the
// configured batch size. Point order does not matter; results come back in
// server order and are sorted by the caller.
func (c *Client) FetchTestResults(ctx context.Context, pointIDs []int) ([]TestResult, error) {
	if len(pointIDs) == 0 {
		return nil, nil
	}
	ids := append([]int(nil), pointIDs...)
	sort.Ints(ids)

	var results []TestResult
	for off := 0; off < len(ids); off += c.cfg.BatchSize {
		end := off + c.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch, err := c.fetchResultsBatch(ctx, ids[off:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}
	return results, nil
}

func (c *Client) fetchResultsBatch(ctx context.Context, pointIDs []int) ([]TestResult, error) {
	start := time.Now()
	body, _ := json.Marshal(map[string]any{"pointIds": pointIDs})
	data, _, code, err := c.do(ctx, http.MethodPost,
		c.projectURL("_apis/test/results/query", nil), body)
	c.record(ctx, "test_result", fmt.Sprintf("points=%d", len(pointIDs)), start, code, err)
	if err != nil {
		return nil, fmt.Errorf("fetch test results (%d points): %w", len(pointIDs), err)
	}
	var page struct {
		Results []struct {
			ID            int           `json:"id"`
			TestPoint     wireRef       `json:"testPoint"`
			TestCase      wireRef       `json:"testCase"`
			TestRun       wireRef       `json:"testRun"`
			Configuration wireRef       `json:"configuration"`
			Outcome       string        `json:"outcome"`
			State         string        `json:"state"`
			ErrorMessage  string        `json:"errorMessage"`
			Comment       string        `json:"comment"`
			StartedDate   string        `json:"startedDate"`
			CompletedDate string        `json:"completedDate"`
			DurationInMs  float64       `json:"durationInMs"`
			RunBy         *wireIdentity `json:"runBy"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode test results: %w", err)
	}
	out := make([]TestResult, 0, len(page.Results))
	for _, r := range page.Results {
		out = append(out, TestResult{
			ID:              r.ID,
			TestPointID:     r.TestPoint.intID(),
			TestCaseID:      r.TestCase.intID(),
			TestRunID:       r.TestRun.intID(),
			ConfigurationID: r.Configuration.intID(),
			Outcome:         r.Outcome,
			State:           r.State,
			ErrorMessage:    r.ErrorMessage,
			Comment:         r.Comment,
			StartedDate:     r.StartedDate,
			CompletedDate:   r.CompletedDate,
			DurationMs:      r.DurationInMs,
			RunBy:           r.RunBy.ref(),
		})
	}
	return out, nil
}

// FetchConfigurations lists the project-wide test configurations.
func (c *Client) FetchConfigurations(ctx context.Context) ([]Configuration, error) {
	start := time.Now()
	raw, err := c.getPaged(ctx, "_apis/testplan/configurations", nil)
	c.record(ctx, "configuration", "all", start, 0, err)
	if err != nil {
		return nil, fmt.Errorf("fetch configurations: %w", err)
	}
	configs := make([]Configuration, 0, len(raw))
	for _, r := range raw {
		var wc struct {
			ID          int    `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
			State       string `json:"state"`
			IsDefault   bool   `json:"isDefault"`
			Values      []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"values"`
		}
		if err := json.Unmarshal(r, &wc); err != nil {
			return nil, fmt.Errorf("decode configuration: %w", err)
		}
		cfg := Configuration{
			ID:          wc.ID,
			Name:        wc.Name,
			Description: wc.Description,
			State:       wc.State,
			IsDefault:   wc.IsDefault,
		}
		if len(wc.Values) > 0 {
			cfg.Values = make(map[string]string, len(wc.Values))
			for _, v := range wc.Values {
				cfg.Values[v.Name] = v.Value
			}
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// FetchVariables lists the project-wide test variables.
func (c *Client) FetchVariables(ctx context.Context) ([]Variable, error) {
	start := time.Now()
	raw, err := c.getPaged(ctx, "_apis/testplan/variables", nil)
	c.record(ctx, "variable", "all", start, 0, err)
	if err != nil {
		return nil, fmt.Errorf("fetch variables: %w", err)
	}
	vars := make([]Variable, 0, len(raw))
	for _, r := range raw {
		var wv struct {
			ID          int    `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Values      []struct {
				Value string `json:"value"`
			} `json:"values"`
		}
		if err := json.Unmarshal(r, &wv); err != nil {
			return nil, fmt.Errorf("decode variable: %w", err)
		}
		v := Variable{ID: wv.ID, Name: wv.Name, Description: wv.Description}
		for _, val := range wv.Values {
			v.Values = append(v.Values, val.Value)
		}
		vars = append(vars, v)
	}
	return vars, nil
}

// FetchWorkItems retrieves raw work items by ID with the given field
// allowlist, split into batches of at most BatchSize (service limit 200).
// One failing batch fails only that batch's IDs for the caller to absorb.
func (c *Client) FetchWorkItems(ctx context.Context, ids []int, fields []string) ([]WorkItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	var items []WorkItem
	var errs []error
	for off := 0; off < len(sorted); off += c.cfg.BatchSize {
		end := off + c.cfg.BatchSize
		if end > len(sorted) {
			end = len(sorted)
		}
		batch, err := c.fetchWorkItemBatch(ctx, sorted[off:end], fields)
		if err != nil {
			errs = append(errs, fmt.Errorf("work item batch [%d:%d]: %w", off, end, err))
			continue
		}
		items = append(items, batch...)
	}
	return items, errors.Join(errs...)
}

func (c *Client) fetchWorkItemBatch(ctx context.Context, ids []int, fields []string) ([]WorkItem, error) {
	start := time.Now()
	body, _ := json.Marshal(map[string]any{
		"ids":         ids,
		"fields":      fields,
		"errorPolicy": "omit",
	})
	data, _, code, err := c.do(ctx, http.MethodPost,
		c.projectURL("_apis/wit/workitemsbatch", nil), body)
	c.record(ctx, "work_item", fmt.Sprintf("batch=%d", len(ids)), start, code, err)
	if err != nil {
		return nil, err
	}
	var page struct {
		Value []WorkItem `json:"value"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode work items: %w", err)
	}
	return page.Value, nil
}
