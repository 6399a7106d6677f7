package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("transcript not found")

// Store keeps records in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and initializes the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would get its own in-memory database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the runs table if it doesn't exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			final_answer TEXT,
			iterations INTEGER NOT NULL,
			phase TEXT,
			error TEXT,
			transcript TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a record.
func (s *Store) Save(ctx context.Context, r Record) error {
	if r.RunID == "" {
		return errors.New("record has no run id")
	}
	transcriptJSON, err := json.Marshal(r.Transcript)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, question, model, status, final_answer, iterations, phase, error, transcript, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			question = excluded.question,
			model = excluded.model,
			status = excluded.status,
			final_answer = excluded.final_answer,
			iterations = excluded.iterations,
			phase = excluded.phase,
			error = excluded.error,
			transcript = excluded.transcript,
			duration_ms = excluded.duration_ms,
			created_at = excluded.created_at
	`,
		r.RunID, r.Question, r.Model, r.Status, r.FinalAnswer, r.Iterations,
		r.Phase, r.Error, string(transcriptJSON), r.DurationMs, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.RunID, err)
	}
	return nil
}

const selectColumns = `run_id, question, model, status, final_answer, iterations, phase, error, transcript, duration_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, withTranscript bool) (Record, error) {
	var r Record
	var answer, phase, errText sql.NullString
	var transcriptJSON string
	if err := row.Scan(&r.RunID, &r.Question, &r.Model, &r.Status, &answer, &r.Iterations,
		&phase, &errText, &transcriptJSON, &r.DurationMs, &r.CreatedAt); err != nil {
		return Record{}, err
	}
	r.FinalAnswer, r.Phase, r.Error = answer.String, phase.String, errText.String
	if withTranscript {
		if err := json.Unmarshal([]byte(transcriptJSON), &r.Transcript); err != nil {
			return Record{}, fmt.Errorf("failed to unmarshal transcript: %w", err)
		}
	}
	return r, nil
}

// Get returns the record of runID, including its transcript.
func (s *Store) Get(ctx context.Context, runID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRecord(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return &r, nil
}

// List returns the most recent records first, without transcripts. A limit
// of zero or less returns every record.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM runs ORDER BY created_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
