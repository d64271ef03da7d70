// Package state persists run history in SQLite. The previous-result lookup
// backs the "changed" post condition; everything else serves the history CLI
// and the daemon's runs API.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

// Store implements pipeline.HistoryStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (and if needed initializes) the run database.
// Use ":memory:" for an in-memory database, or a file path for persistence.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		number INTEGER NOT NULL,
		trigger_kind TEXT NOT NULL,
		agent TEXT,
		result TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		duration_ms INTEGER,
		console_path TEXT,
		tests INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		stages TEXT,
		UNIQUE(pipeline, number)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline, number);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RecordStart inserts the run as in-progress. A zero Number is allocated
// here, in the same transaction as the insert, so concurrent runs of one
// pipeline can never claim the same build number.
func (s *Store) RecordStart(ctx context.Context, run *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if run.Number == 0 {
		err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(number), 0) + 1 FROM runs WHERE pipeline = ?",
			run.Pipeline,
		).Scan(&run.Number)
		if err != nil {
			return fmt.Errorf("allocate run number: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, number, trigger_kind, agent, started_at, console_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, run.Number, string(run.Trigger), run.Agent,
		run.StartedAt.Unix(), run.ConsolePath,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// SetConsolePath records where the run's console log lives once the
// workspace has been prepared.
func (s *Store) SetConsolePath(ctx context.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET console_path = ? WHERE id = ?", path, id)
	if err != nil {
		return fmt.Errorf("set console path: %w", err)
	}
	return nil
}

// RecordFinish stores the final result of a run.
func (s *Store) RecordFinish(ctx context.Context, run *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finished int64
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Unix()
	}
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, finished_at = ?, duration_ms = ?, console_path = ?,
		 tests = ?, failures = ?, errors = ?, skipped = ?, stages = ?
		 WHERE id = ?`,
		string(run.Result), finished, run.Duration.Milliseconds(), run.ConsolePath,
		run.Tests.Tests, run.Tests.Failures, run.Tests.Errors, run.Tests.Skipped,
		string(stagesJSON), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

// LastCompletedBefore returns the most recent finished run with a lower
// number, or nil when the pipeline has never completed.
func (s *Store) LastCompletedBefore(ctx context.Context, pipelineName string, number int) (*pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryOne(ctx,
		selectColumns+` FROM runs
		 WHERE pipeline = ? AND number < ? AND result IS NOT NULL
		 ORDER BY number DESC LIMIT 1`,
		pipelineName, number,
	)
}

// LastCompleted returns the pipeline's most recent finished run, or nil.
func (s *Store) LastCompleted(ctx context.Context, pipelineName string) (*pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryOne(ctx,
		selectColumns+` FROM runs
		 WHERE pipeline = ? AND result IS NOT NULL
		 ORDER BY number DESC LIMIT 1`,
		pipelineName,
	)
}

// Get returns one run by ID, or nil when unknown.
func (s *Store) Get(ctx context.Context, id string) (*pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryOne(ctx, selectColumns+" FROM runs WHERE id = ?", id)
}

// Recent returns up to limit runs, newest first. An empty pipeline name
// returns runs across all pipelines.
func (s *Store) Recent(ctx context.Context, pipelineName string, limit int) ([]*pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	query := selectColumns + " FROM runs"
	args := []any{}
	if pipelineName != "" {
		query += " WHERE pipeline = ?"
		args = append(args, pipelineName)
	}
	query += " ORDER BY started_at DESC, number DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return runs, nil
}

const selectColumns = `SELECT id, pipeline, number, trigger_kind, agent, result,
	started_at, finished_at, duration_ms, console_path,
	tests, failures, errors, skipped, stages`

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*pipeline.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate rows: %w", err)
		}
		return nil, nil
	}
	return scanRun(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*pipeline.Run, error) {
	var (
		run        pipeline.Run
		trigger    string
		agent      sql.NullString
		result     sql.NullString
		startedAt  int64
		finishedAt sql.NullInt64
		durationMS sql.NullInt64
		console    sql.NullString
		stagesJSON sql.NullString
	)

	err := row.Scan(&run.ID, &run.Pipeline, &run.Number, &trigger, &agent, &result,
		&startedAt, &finishedAt, &durationMS, &console,
		&run.Tests.Tests, &run.Tests.Failures, &run.Tests.Errors, &run.Tests.Skipped,
		&stagesJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Trigger = pipeline.Trigger(trigger)
	run.Agent = agent.String
	run.Result = pipeline.Result(result.String)
	run.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid && finishedAt.Int64 > 0 {
		t := time.Unix(finishedAt.Int64, 0)
		run.FinishedAt = &t
	}
	if durationMS.Valid {
		run.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	}
	run.ConsolePath = console.String
	if stagesJSON.Valid && stagesJSON.String != "" {
		if err := json.Unmarshal([]byte(stagesJSON.String), &run.Stages); err != nil {
			return nil, fmt.Errorf("unmarshal stage results: %w", err)
		}
	}
	return &run, nil
}
