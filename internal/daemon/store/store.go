// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides the SQLite persistence layer for the coordination
// daemon: queued runs, their jobs, and agent leases. Expired leases are
// considered returned to the queue; the lease query reclaims them in the
// same transaction that grants a new lease.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/workflow"
	_ "modernc.org/sqlite"
)

// Job statuses persisted in the jobs table.
const (
	StatusQueued    = "queued"
	StatusLeased    = "leased"
	StatusRunning   = "running"
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// JobPayload is what an agent receives with a lease: enough to execute the
// job with the same engine the CLI uses.
type JobPayload struct {
	Workflow string       `json:"workflow"`
	Repo     string       `json:"repo"`
	Ref      string       `json:"ref"`
	Job      workflow.Job `json:"job"`
}

// Run is one queued workflow run.
type Run struct {
	ID        string
	Repo      string
	Status    string
	CreatedAt time.Time
}

// Job is one unit of leased work.
type Job struct {
	ID        string
	RunID     string
	JobName   string
	Status    string
	Payload   []byte
	Logs      string
	CreatedAt time.Time
}

// Lease records which agent holds a job and until when.
type Lease struct {
	JobID     string
	AgentID   string
	LeasedAt  time.Time
	ExpiresAt time.Time
}

// Store is a SQLite-backed run/job/lease store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string
}

// New opens the database, configures pragmas and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			repo TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			job_name TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			logs TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			leased_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun persists a run and one queued job row per workflow job.
// workflowBytes is the YAML definition; it is parsed and validated here, and
// an invalid definition is rejected before anything is written.
func (s *Store) CreateRun(ctx context.Context, repo, ref string, workflowBytes []byte) (string, error) {
	wf, err := workflow.Parse(workflowBytes, "submitted workflow")
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	runID := uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, repo, status, created_at) VALUES (?, ?, ?, ?)`,
		runID, repo, StatusQueued, now,
	); err != nil {
		return "", err
	}

	for i := range wf.Jobs {
		payload, err := json.Marshal(JobPayload{
			Workflow: wf.Name,
			Repo:     repo,
			Ref:      ref,
			Job:      wf.Jobs[i],
		})
		if err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, run_id, job_name, status, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), runID, wf.Jobs[i].Name, StatusQueued, string(payload), now,
		); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return runID, nil
}

// LeaseJob grants the oldest leasable job to an agent: a queued job, or a
// leased job whose lease expired. Returns nil when the queue is idle.
func (s *Store) LeaseJob(ctx context.Context, agentID string, ttl time.Duration) (*Job, *Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT j.id, j.run_id, j.job_name, j.status, j.payload, j.created_at
		FROM jobs j
		LEFT JOIN leases l ON l.job_id = j.id
		WHERE j.status = ? OR (j.status IN (?, ?) AND l.expires_at IS NOT NULL AND l.expires_at <= ?)
		ORDER BY j.created_at ASC
		LIMIT 1`,
		StatusQueued, StatusLeased, StatusRunning, now,
	)

	var job Job
	if err := row.Scan(&job.ID, &job.RunID, &job.JobName, &job.Status, &job.Payload, &job.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	lease := &Lease{
		JobID:     job.ID,
		AgentID:   agentID,
		LeasedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO leases (job_id, agent_id, leased_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET agent_id=excluded.agent_id, leased_at=excluded.leased_at, expires_at=excluded.expires_at`,
		lease.JobID, lease.AgentID, lease.LeasedAt, lease.ExpiresAt,
	); err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, StatusLeased, job.ID); err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		StatusRunning, job.RunID, StatusQueued,
	); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	job.Status = StatusLeased
	return &job, lease, nil
}

// CompleteJob records a terminal status and logs, releases the lease, and
// settles the run status once every job is terminal.
func (s *Store) CompleteJob(ctx context.Context, jobID, status, logs string) error {
	switch status {
	case StatusOK, StatusFailed, StatusCancelled:
	default:
		return &errors.ValidationError{
			Field:      "status",
			Message:    fmt.Sprintf("invalid completion status %q", status),
			Suggestion: "status must be ok, failed or cancelled",
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var runID string
	if err := tx.QueryRowContext(ctx, `SELECT run_id FROM jobs WHERE id = ?`, jobID).Scan(&runID); err != nil {
		if err == sql.ErrNoRows {
			return &errors.NotFoundError{Resource: "job", ID: jobID}
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, logs = ? WHERE id = ?`, status, logs, jobID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE job_id = ?`, jobID); err != nil {
		return err
	}

	var open int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
		runID, StatusOK, StatusFailed, StatusCancelled,
	).Scan(&open); err != nil {
		return err
	}
	if open == 0 {
		var failed int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE run_id = ? AND status IN (?, ?)`,
			runID, StatusFailed, StatusCancelled,
		).Scan(&failed); err != nil {
			return err
		}
		runStatus := StatusOK
		if failed > 0 {
			runStatus = StatusFailed
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, runStatus, runID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, repo, status, created_at FROM runs WHERE id = ?`, runID)
	var r Run
	if err := row.Scan(&r.ID, &r.Repo, &r.Status, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, err
	}
	return &r, nil
}

// RunJobs lists the jobs of a run in creation order.
func (s *Store) RunJobs(ctx context.Context, runID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, job_name, status, payload, logs, created_at FROM jobs WHERE run_id = ? ORDER BY created_at ASC, job_name ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.RunID, &j.JobName, &j.Status, &j.Payload, &j.Logs, &j.CreatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
