package runlog

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/planpipe/ado"
	"github.com/hazyhaar/planpipe/dbopen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(schema))
	return NewStore(db, nil)
}

func TestRecordCall(t *testing.T) {
	// WHAT: Calls recorded after BeginRun land in the run's history,
	// newest first.
	s := testStore(t)
	ctx := context.Background()
	if err := s.BeginRun(ctx, "run-1", "demo"); err != nil {
		t.Fatal(err)
	}

	s.RecordCall(ctx, ado.Call{Entity: "plan", Key: "plan=10", Status: "ok",
		StatusCode: 200, Duration: 120 * time.Millisecond})
	s.RecordCall(ctx, ado.Call{Entity: "suite", Key: "plan=10", Status: "error",
		StatusCode: 404, Err: "not found"})

	entries, err := s.History(ctx, "run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	var byEntity = map[string]Entry{}
	for _, e := range entries {
		byEntity[e.Entity] = e
	}
	if e := byEntity["plan"]; e.Status != "ok" || e.DurationMs != 120 {
		t.Errorf("plan entry = %+v", e)
	}
	if e := byEntity["suite"]; e.StatusCode != 404 || e.Error != "not found" {
		t.Errorf("suite entry = %+v", e)
	}
}

func TestRecordCall_NoRun(t *testing.T) {
	// WHAT: Recording before any run began is a silent no-op.
	// WHY: The recorder must never fail an extraction over bookkeeping.
	s := testStore(t)
	ctx := context.Background()
	s.RecordCall(ctx, ado.Call{Entity: "plan", Status: "ok"})

	entries, err := s.History(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %+v, want none", entries)
	}
}

func TestRunCounts(t *testing.T) {
	// WHAT: Counts aggregate per entity and status.
	s := testStore(t)
	ctx := context.Background()
	if err := s.BeginRun(ctx, "run-1", "demo"); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		s.RecordCall(ctx, ado.Call{Entity: "test_case", Status: "ok"})
	}
	s.RecordCall(ctx, ado.Call{Entity: "test_case", Status: "error"})

	counts, err := s.RunCounts(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts["test_case"]["ok"] != 3 || counts["test_case"]["error"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestPrune(t *testing.T) {
	// WHAT: Pruning removes runs older than the cutoff and their calls,
	// and leaves newer runs untouched.
	s := testStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -30).Format(time.RFC3339Nano)
	if _, err := s.db.Exec(
		`INSERT INTO runs (id, project, started_at) VALUES ('run-old', 'demo', ?)`, old); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO fetch_log (id, run_id, entity, status, called_at)
		VALUES ('fl_1', 'run-old', 'plan', 'ok', ?)`, old); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginRun(ctx, "run-new", "demo"); err != nil {
		t.Fatal(err)
	}
	s.RecordCall(ctx, ado.Call{Entity: "plan", Status: "ok"})

	removed, err := s.Prune(ctx, time.Now().UTC().AddDate(0, 0, -7))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if entries, err := s.History(ctx, "run-old", 0); err != nil || len(entries) != 0 {
		t.Errorf("old entries = %v (err %v), want none", entries, err)
	}
	if entries, err := s.History(ctx, "run-new", 0); err != nil || len(entries) != 1 {
		t.Errorf("new entries = %v (err %v), want 1", entries, err)
	}
}

func TestFinishRun(t *testing.T) {
	// WHAT: FinishRun stamps finished_at on the run row.
	s := testStore(t)
	ctx := context.Background()
	if err := s.BeginRun(ctx, "run-1", "demo"); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	var finished string
	if err := s.db.QueryRow(
		`SELECT COALESCE(finished_at, '') FROM runs WHERE id = 'run-1'`).Scan(&finished); err != nil {
		t.Fatal(err)
	}
	if finished == "" {
		t.Error("finished_at not set")
	}
}
