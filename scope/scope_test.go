package scope

import (
	"strings"
	"testing"
)

const refHeader = "Test Plans Migration,,,\nTest Suite Name,Owner,Email,URL\n"

func resolve(t *testing.T, body string) (*Scope, []Warning) {
	t.Helper()
	s, warns, err := Resolve(strings.NewReader(refHeader + body))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return s, warns
}

func TestResolve_MultipleURLsInOneCell(t *testing.T) {
	// WHAT: Two URLs in one cell, newline-separated, yield two entries.
	// WHY: The reference file packs every suite link of a row into one cell.
	body := `Login,Ana,ana@example.com,"https://dev.example.com/org/proj/_testPlans/define?planId=1&suiteId=10
https://dev.example.com/org/proj/_testPlans/define?planId=1&suiteId=20"` + "\n"

	s, warns := resolve(t, body)
	if len(warns) != 0 {
		t.Fatalf("warnings = %v, want none", warns)
	}
	if len(s.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(s.Entries))
	}
	suites := s.SuitesByPlan[1]
	if len(suites) != 2 || suites[0] != 10 || suites[1] != 20 {
		t.Errorf("SuitesByPlan[1] = %v, want [10 20]", suites)
	}
}

func TestResolve_MalformedURLWarnsAndContinues(t *testing.T) {
	// WHAT: A URL without planId produces one warning and zero entries,
	// while the valid URL on the same row still resolves.
	// WHY: Partial input must never abort the run.
	body := `Checkout,Bob,bob@example.com,"https://dev.example.com/org/proj/_testPlans/define?suiteId=5
https://dev.example.com/org/proj/_testPlans/define?planId=2&suiteId=7"` + "\n"

	s, warns := resolve(t, body)
	if len(warns) != 1 {
		t.Fatalf("warnings = %d, want 1 (%v)", len(warns), warns)
	}
	if warns[0].Reason != "missing planId" {
		t.Errorf("reason = %q, want missing planId", warns[0].Reason)
	}
	if len(s.Entries) != 1 || s.Entries[0].PlanID != 2 || s.Entries[0].SuiteID != 7 {
		t.Errorf("entries = %+v, want single plan 2 suite 7", s.Entries)
	}
}

func TestResolve_NonNumericIDs(t *testing.T) {
	// WHAT: Non-numeric planId/suiteId values are warnings, not entries.
	body := `A,O,E,https://dev.example.com/org/proj/_testPlans/define?planId=abc&suiteId=1` + "\n" +
		`B,O,E,https://dev.example.com/org/proj/_testPlans/define?planId=3&suiteId=xyz` + "\n"

	s, warns := resolve(t, body)
	if len(warns) != 2 {
		t.Fatalf("warnings = %d, want 2 (%v)", len(warns), warns)
	}
	if !s.Empty() {
		t.Errorf("scope = %+v, want empty", s.SuitesByPlan)
	}
}

func TestResolve_DeduplicatesURLs(t *testing.T) {
	// WHAT: The same (plan, suite) pair on two rows yields one entry.
	u := "https://dev.example.com/org/proj/_testPlans/define?planId=4&suiteId=40"
	body := "A,O,E," + u + "\nB,O,E," + u + "\n"

	s, warns := resolve(t, body)
	if len(warns) != 0 {
		t.Fatalf("warnings = %v, want none", warns)
	}
	if len(s.Entries) != 1 {
		t.Errorf("entries = %d, want 1 after dedup", len(s.Entries))
	}
}

func TestResolve_ShortRowSkippedWithWarning(t *testing.T) {
	// WHAT: A row with fewer columns than expected is skipped, not fatal.
	body := "OnlyName,Owner\n" +
		"B,O,E,https://dev.example.com/org/proj/_testPlans/define?planId=5&suiteId=50\n"

	s, warns := resolve(t, body)
	if len(warns) != 1 {
		t.Fatalf("warnings = %d, want 1 (%v)", len(warns), warns)
	}
	if len(s.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(s.Entries))
	}
}

func TestResolve_BarePlanWidensToFullPlan(t *testing.T) {
	// WHAT: A plan referenced without suiteId is full-plan scope, even when
	// another row names a specific suite of the same plan.
	// WHY: Absence of suite scoping means "all suites under this plan".
	body := `A,O,E,https://dev.example.com/org/proj/_testPlans/define?planId=6&suiteId=61` + "\n" +
		`B,O,E,https://dev.example.com/org/proj/_testPlans/define?planId=6` + "\n"

	s, warns := resolve(t, body)
	if len(warns) != 0 {
		t.Fatalf("warnings = %v, want none", warns)
	}
	if !s.FullPlan(6) {
		t.Errorf("FullPlan(6) = false, want true; suites = %v", s.SuitesByPlan[6])
	}
}

func TestResolve_EmptyCellsAndForeignURLs(t *testing.T) {
	// WHAT: Empty URL cells and non test-plan URLs contribute nothing.
	body := "A,O,E,\n" +
		"B,O,E,https://dev.example.com/org/proj/_workitems/edit/123\n"

	s, warns := resolve(t, body)
	if len(warns) != 1 || warns[0].Reason != "not a test-plan URL" {
		t.Fatalf("warnings = %v, want one not-a-test-plan warning", warns)
	}
	if !s.Empty() {
		t.Errorf("scope not empty: %+v", s.SuitesByPlan)
	}
}

func TestResolve_RowMetadataCaptured(t *testing.T) {
	// WHAT: Suite name, owner and email columns are carried on the entry.
	body := `Payments,Carol,carol@example.com,https://dev.example.com/org/proj/_testPlans/define?planId=7&suiteId=70` + "\n"

	s, _ := resolve(t, body)
	e := s.Entries[0]
	if e.SuiteName != "Payments" || e.Owner != "Carol" || e.Email != "carol@example.com" {
		t.Errorf("entry metadata = %+v", e)
	}
}

func TestResolve_PlanIDsSorted(t *testing.T) {
	// WHAT: PlanIDs returns ascending order regardless of file order.
	body := `A,O,E,https://dev.example.com/org/proj/_testPlans/define?planId=9&suiteId=1` + "\n" +
		`B,O,E,https://dev.example.com/org/proj/_testPlans/define?planId=3&suiteId=1` + "\n"

	s, _ := resolve(t, body)
	ids := s.PlanIDs()
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 9 {
		t.Errorf("PlanIDs = %v, want [3 9]", ids)
	}
}
