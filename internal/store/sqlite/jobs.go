package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/store"
)

type jobStore struct {
	db *sql.DB
}

func (s *jobStore) Create(ctx context.Context, j *store.ScheduledJob) error {
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	trigger, output, err := marshalJobJSON(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, name, tenant_id, trigger, action, output,
		   enabled, loop_mode, max_iterations, last_run_at, last_status, next_run_at,
		   run_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.TenantID, trigger, j.Action, output,
		j.Enabled, j.LoopMode, j.MaxIterations, j.LastRunAt, j.LastStatus, j.NextRunAt,
		j.RunCount, j.CreatedAt, j.UpdatedAt)
	return err
}

func (s *jobStore) Update(ctx context.Context, j *store.ScheduledJob) error {
	j.UpdatedAt = time.Now().UTC()

	trigger, output, err := marshalJobJSON(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET name = ?, tenant_id = ?, trigger = ?, action = ?,
		   output = ?, enabled = ?, loop_mode = ?, max_iterations = ?, last_run_at = ?,
		   last_status = ?, next_run_at = ?, run_count = ?, updated_at = ?
		 WHERE id = ?`,
		j.Name, j.TenantID, trigger, j.Action,
		output, j.Enabled, j.LoopMode, j.MaxIterations, j.LastRunAt, j.LastStatus,
		j.NextRunAt, j.RunCount, j.UpdatedAt,
		j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *jobStore) Get(ctx context.Context, id string) (*store.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

func (s *jobStore) List(ctx context.Context) ([]store.ScheduledJob, error) {
	return s.queryJobs(ctx, jobSelect+` ORDER BY created_at`)
}

func (s *jobStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	return err
}

func (s *jobStore) Due(ctx context.Context, now time.Time) ([]store.ScheduledJob, error) {
	return s.queryJobs(ctx,
		jobSelect+` WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at`, now.UTC())
}

func (s *jobStore) queryJobs(ctx context.Context, query string, args ...any) ([]store.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *jobStore) InsertRun(ctx context.Context, r *store.JobRun) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = store.RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, job_id, status, output, error, input_tokens,
		   output_tokens, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.Status, r.Output, r.Error, r.InputTokens,
		r.OutputTokens, r.StartedAt, r.CompletedAt)
	return err
}

func (s *jobStore) FinishRun(ctx context.Context, r *store.JobRun) error {
	if r.CompletedAt == nil {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	// Terminal runs are immutable: only a running row can be finished.
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, output = ?, error = ?, input_tokens = ?,
		   output_tokens = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		r.Status, r.Output, r.Error, r.InputTokens,
		r.OutputTokens, r.CompletedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job run %s is not running", r.ID)
	}
	return nil
}

func (s *jobStore) ListRuns(ctx context.Context, jobID string, limit int) ([]store.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, status, output, error, input_tokens, output_tokens,
		   started_at, completed_at
		 FROM job_runs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`,
		jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		var r store.JobRun
		var completedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.JobID, &r.Status, &r.Output, &r.Error,
			&r.InputTokens, &r.OutputTokens, &r.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const jobSelect = `SELECT id, name, tenant_id, trigger, action, output, enabled,
   loop_mode, max_iterations, last_run_at, last_status, next_run_at, run_count,
   created_at, updated_at
 FROM scheduled_jobs`

func scanJob(row rowScanner) (*store.ScheduledJob, error) {
	var j store.ScheduledJob
	var trigger, output string
	var lastRunAt, nextRunAt sql.NullTime
	err := row.Scan(&j.ID, &j.Name, &j.TenantID, &trigger, &j.Action, &output,
		&j.Enabled, &j.LoopMode, &j.MaxIterations, &lastRunAt, &j.LastStatus,
		&nextRunAt, &j.RunCount, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trigger), &j.Trigger); err != nil {
		return nil, fmt.Errorf("job %s: decode trigger: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(output), &j.Output); err != nil {
		return nil, fmt.Errorf("job %s: decode output: %w", j.ID, err)
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		j.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		j.NextRunAt = &t
	}
	return &j, nil
}

func marshalJobJSON(j *store.ScheduledJob) (trigger, output string, err error) {
	t, err := json.Marshal(j.Trigger)
	if err != nil {
		return "", "", fmt.Errorf("encode trigger: %w", err)
	}
	o, err := json.Marshal(j.Output)
	if err != nil {
		return "", "", fmt.Errorf("encode output: %w", err)
	}
	return string(t), string(o), nil
}
