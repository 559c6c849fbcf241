// Package scope resolves which test plans and suites an extraction run covers.
//
// The input is a CSV reference file: row 1 is a banner, row 2 the column
// header, and each data row carries a "Test Suite Name" column plus a cell of
// newline-separated test-plan URLs of the form
//
//	https://<host>/<org>/<project>/_testPlans/define?planId=<P>&suiteId=<S>
//
// Resolution is a pure parse: malformed rows and URLs become warnings, never
// errors, and extraction proceeds with whatever valid entries exist.
package scope

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Column positions in the reference file.
const (
	colSuiteName = 0
	colOwner     = 1
	colEmail     = 2
	colURLs      = 3

	minColumns = 4
)

// Entry is one resolved (plan, suite) reference from the file.
// SuiteID 0 means the whole plan was referenced.
type Entry struct {
	PlanID    int    `json:"plan_id"`
	SuiteID   int    `json:"suite_id,omitempty"`
	SuiteName string `json:"suite_name,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Email     string `json:"email,omitempty"`
	URL       string `json:"url"`
}

// Warning records a reference-file fragment that could not be resolved.
type Warning struct {
	Row    int    `json:"row"` // 1-based row number in the file
	URL    string `json:"url,omitempty"`
	Reason string `json:"reason"`
}

// Scope is the resolved selection of plans and suites.
type Scope struct {
	// Entries preserves the deduplicated references in file order.
	Entries []Entry `json:"entries"`
	// SuitesByPlan maps plan ID to its explicitly requested suite IDs,
	// sorted ascending. A nil slice means the whole plan is in scope.
	SuitesByPlan map[int][]int `json:"suites_by_plan"`
}

// AllPlans builds a scope covering every suite of the given plans.
func AllPlans(planIDs []int) *Scope {
	s := &Scope{SuitesByPlan: make(map[int][]int, len(planIDs))}
	for _, id := range planIDs {
		s.SuitesByPlan[id] = nil
	}
	return s
}

// PlanIDs returns the in-scope plan IDs, sorted ascending.
func (s *Scope) PlanIDs() []int {
	ids := make([]int, 0, len(s.SuitesByPlan))
	for id := range s.SuitesByPlan {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// FullPlan reports whether every suite of the plan is in scope.
func (s *Scope) FullPlan(planID int) bool {
	suites, ok := s.SuitesByPlan[planID]
	return ok && suites == nil
}

// Empty reports whether no plan was resolved at all.
func (s *Scope) Empty() bool { return len(s.SuitesByPlan) == 0 }

// Resolve parses the reference file. The returned error covers only unreadable
// input; per-row and per-URL problems are warnings.
func Resolve(r io.Reader) (*Scope, []Warning, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // rows vary; short rows are handled below
	cr.LazyQuotes = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read reference file: %w", err)
	}

	s := &Scope{SuitesByPlan: make(map[int][]int)}
	var warnings []Warning
	seen := make(map[[2]int]bool)

	// Rows 1 and 2 are banner and header.
	for i, row := range rows {
		rowNum := i + 1
		if rowNum <= 2 {
			continue
		}
		if len(row) < minColumns {
			warnings = append(warnings, Warning{
				Row:    rowNum,
				Reason: fmt.Sprintf("expected at least %d columns, got %d", minColumns, len(row)),
			})
			continue
		}

		for _, raw := range strings.Split(row[colURLs], "\n") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			planID, suiteID, reason := parsePlanURL(raw)
			if reason != "" {
				warnings = append(warnings, Warning{Row: rowNum, URL: raw, Reason: reason})
				continue
			}
			key := [2]int{planID, suiteID}
			if seen[key] {
				continue
			}
			seen[key] = true
			s.Entries = append(s.Entries, Entry{
				PlanID:    planID,
				SuiteID:   suiteID,
				SuiteName: strings.TrimSpace(row[colSuiteName]),
				Owner:     strings.TrimSpace(row[colOwner]),
				Email:     strings.TrimSpace(row[colEmail]),
				URL:       raw,
			})
		}
	}

	// Fold entries into the plan → suites map. A bare-plan entry widens the
	// plan to full scope regardless of suite-level entries on other rows.
	fullPlans := make(map[int]bool)
	for _, e := range s.Entries {
		if e.SuiteID == 0 {
			fullPlans[e.PlanID] = true
		}
	}
	for _, e := range s.Entries {
		if fullPlans[e.PlanID] {
			s.SuitesByPlan[e.PlanID] = nil
			continue
		}
		s.SuitesByPlan[e.PlanID] = append(s.SuitesByPlan[e.PlanID], e.SuiteID)
	}
	for id, suites := range s.SuitesByPlan {
		if suites != nil {
			sort.Ints(suites)
			s.SuitesByPlan[id] = suites
		}
	}

	return s, warnings, nil
}

// parsePlanURL extracts planId and suiteId from a test-plan URL.
// A missing suiteId yields suiteID 0 (whole plan). A missing or non-numeric
// planId, or a URL that is not a test-plan link, yields a non-empty reason.
func parsePlanURL(raw string) (planID, suiteID int, reason string) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, 0, fmt.Sprintf("unparseable URL: %v", err)
	}
	if !strings.Contains(u.Path, "_testPlans") {
		return 0, 0, "not a test-plan URL"
	}
	q := u.Query()

	p := q.Get("planId")
	if p == "" {
		return 0, 0, "missing planId"
	}
	planID, err = strconv.Atoi(p)
	if err != nil || planID <= 0 {
		return 0, 0, fmt.Sprintf("non-numeric planId %q", p)
	}

	if sv := q.Get("suiteId"); sv != "" {
		suiteID, err = strconv.Atoi(sv)
		if err != nil || suiteID <= 0 {
			return 0, 0, fmt.Sprintf("non-numeric suiteId %q", sv)
		}
	}
	return planID, suiteID, ""
}
