// Package runlog persists a per-call fetch log of extraction runs in SQLite.
//
// Every API call the client issues lands as one row, keyed to the run it
// belongs to. The log answers after the fact which entities a run touched,
// what failed, and how long calls took, without re-reading service logs.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/planpipe/ado"
	"github.com/hazyhaar/planpipe/dbopen"
	"github.com/hazyhaar/planpipe/idgen"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	project     TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT
);

CREATE TABLE IF NOT EXISTS fetch_log (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	entity      TEXT NOT NULL,
	key         TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	called_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fetch_log_run ON fetch_log(run_id, entity);
`

// Entry is one logged API call.
type Entry struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Entity     string    `json:"entity"`
	Key        string    `json:"key,omitempty"`
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CalledAt   time.Time `json:"called_at"`
}

// Store is the fetch-log store. It implements ado.Recorder for the run set
// with BeginRun, and is safe for concurrent recording.
type Store struct {
	db  *sql.DB
	gen idgen.Generator
	log *slog.Logger

	mu    sync.Mutex
	runID string
}

// Open opens (and if needed creates) the log database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("runlog: %w", err)
	}
	return NewStore(db, logger), nil
}

// NewStore wraps an already-open database. The schema must be applied.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, gen: idgen.Prefixed("fl_", idgen.Default), log: logger}
}

func (s *Store) Close() error { return s.db.Close() }

// BeginRun registers a run and makes it the target of subsequent RecordCall
// invocations.
func (s *Store) BeginRun(ctx context.Context, runID, project string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO runs (id, project, started_at) VALUES (?, ?, ?)`,
		runID, project, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("runlog: begin run: %w", err)
	}
	s.mu.Lock()
	s.runID = runID
	s.mu.Unlock()
	return nil
}

// FinishRun stamps the run's end time.
func (s *Store) FinishRun(ctx context.Context, runID string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`UPDATE runs SET finished_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("runlog: finish run: %w", err)
	}
	return nil
}

// Prune deletes runs that started before cutoff, together with their logged
// calls. Returns the number of runs removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	cut := cutoff.UTC().Format(time.RFC3339Nano)
	var removed int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM fetch_log WHERE run_id IN
				(SELECT id FROM runs WHERE started_at < ?)`, cut); err != nil {
			return fmt.Errorf("prune fetch_log: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cut)
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("runlog: %w", err)
	}
	return removed, nil
}

// RecordCall logs one API call under the current run. Implements
// ado.Recorder. Logging failures are reported, never propagated: a broken
// log must not fail an extraction.
func (s *Store) RecordCall(ctx context.Context, call ado.Call) {
	s.mu.Lock()
	runID := s.runID
	s.mu.Unlock()
	if runID == "" {
		return
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO fetch_log (id, run_id, entity, key, status, status_code,
		error, duration_ms, called_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.gen(), runID, call.Entity, call.Key, call.Status, call.StatusCode,
		call.Err, call.Duration.Milliseconds(),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.log.Warn("fetch log insert failed",
			slog.String("entity", call.Entity), slog.Any("error", err))
	}
}

// History returns the logged calls of a run, newest first.
func (s *Store) History(ctx context.Context, runID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, entity, key, status, status_code, error, duration_ms, called_at
		FROM fetch_log WHERE run_id = ?
		ORDER BY called_at DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Entity, &e.Key, &e.Status,
			&e.StatusCode, &e.Error, &e.DurationMs, &at); err != nil {
			return nil, fmt.Errorf("runlog: scan: %w", err)
		}
		e.CalledAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunCounts returns per-entity call counts of a run, split by status.
func (s *Store) RunCounts(ctx context.Context, runID string) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity, status, COUNT(*) FROM fetch_log
		WHERE run_id = ? GROUP BY entity, status`, runID)
	if err != nil {
		return nil, fmt.Errorf("runlog: counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var entity, status string
		var n int
		if err := rows.Scan(&entity, &status, &n); err != nil {
			return nil, fmt.Errorf("runlog: scan: %w", err)
		}
		if out[entity] == nil {
			out[entity] = make(map[string]int)
		}
		out[entity][status] = n
	}
	return out, rows.Err()
}
