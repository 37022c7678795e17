package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pbaille/taglisten/internal/domain"
	perr "github.com/pbaille/taglisten/internal/errors"
)

//go:embed schema.sql
var schema string

// Run statuses
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Runs records pipeline runs in SQLite
type Runs struct {
	db *sql.DB
}

// OpenRuns opens (and creates) the run log at dbPath
func OpenRuns(dbPath string) (*Runs, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// one writer at a time; parallel tag runs share the log
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Runs{db: db}, nil
}

// Close closes the database connection
func (s *Runs) Close() error {
	return s.db.Close()
}

// Start records a new running stage and returns it
func (s *Runs) Start(tag string, stage domain.Stage) (*domain.Run, error) {
	run := &domain.Run{
		ID:        uuid.New().String(),
		Tag:       tag,
		Stage:     stage,
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	}

	_, err := s.db.Exec(
		"INSERT INTO runs (id, tag, stage, started_at, status) VALUES (?, ?, ?, ?, ?)",
		run.ID, run.Tag, string(run.Stage), run.StartedAt, run.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Finish stores the final counters and status of run
func (s *Runs) Finish(run *domain.Run) error {
	now := time.Now().UTC()
	run.FinishedAt = &now

	_, err := s.db.Exec(
		`UPDATE runs SET finished_at = ?, input = ?, output = ?, failed_chunks = ?, status = ?, error = ?
		 WHERE id = ?`,
		now, run.Input, run.Output, run.FailedChunks, run.Status, run.Error, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *Runs) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, tag, stage, started_at, finished_at, input, output, failed_chunks, status, error
		 FROM runs WHERE id = ?`,
		id,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, perr.NotFoundf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns recent runs, newest first; an empty tag lists all tags
func (s *Runs) ListRuns(tag string, limit int) ([]domain.Run, error) {
	query := `SELECT id, tag, stage, started_at, finished_at, input, output, failed_chunks, status, error FROM runs`
	args := []any{}
	if tag != "" {
		query += " WHERE tag = ?"
		args = append(args, tag)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*domain.Run, error) {
	var (
		run      domain.Run
		stage    string
		finished sql.NullTime
	)
	err := sc.Scan(&run.ID, &run.Tag, &stage, &run.StartedAt, &finished,
		&run.Input, &run.Output, &run.FailedChunks, &run.Status, &run.Error)
	if err != nil {
		return nil, err
	}
	run.Stage = domain.Stage(stage)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
