package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobLease is how long a claimed job stays invisible to other claimers.
// A worker that dies mid-job leaves the row in "running"; once the lease
// expires the job is claimable again.
const JobLease = 5 * time.Minute

func (s *LibSQLStore) EnqueueJob(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = JobPending
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	job.UpdatedAt = job.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, payload, run_at, status, attempts, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, string(job.Payload), timeOrNow(job.RunAt).UnixMilli(), string(job.Status), job.Attempts,
		job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// ClaimDueJobs leases up to limit jobs whose run time has passed. Claimed
// jobs move to running with Attempts incremented.
func (s *LibSQLStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, kind, payload, run_at, status, attempts, last_error, created_at, updated_at FROM jobs
		 WHERE status IN (?, ?) AND run_at <= ?
		 ORDER BY run_at ASC, created_at ASC LIMIT ?`,
		string(JobPending), string(JobRunning), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	leaseUntil := now.Add(JobLease).UnixMilli()
	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = attempts + 1, run_at = ?, updated_at = ? WHERE id = ?`,
			string(JobRunning), leaseUntil, now.UTC(), j.ID); err != nil {
			return nil, fmt.Errorf("lease job %s: %w", j.ID, err)
		}
		j.Status = JobRunning
		j.Attempts++
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

func (s *LibSQLStore) CompleteJob(ctx context.Context, id string) error {
	return s.setJobState(ctx, id, JobDone, nil, "")
}

// RetryJob returns a job to pending, due at runAt.
func (s *LibSQLStore) RetryJob(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return s.setJobState(ctx, id, JobPending, &runAt, lastErr)
}

// FailJob parks a job as dead. Dead jobs are never claimed again.
func (s *LibSQLStore) FailJob(ctx context.Context, id string, lastErr string) error {
	return s.setJobState(ctx, id, JobDead, nil, lastErr)
}

func (s *LibSQLStore) setJobState(ctx context.Context, id string, status JobStatus, runAt *time.Time, lastErr string) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), time.Now().UTC()}
	if runAt != nil {
		sets = append(sets, "run_at = ?")
		args = append(args, runAt.UnixMilli())
	}
	if lastErr != "" {
		sets = append(sets, "last_error = ?")
		args = append(args, lastErr)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", id)
}

func (s *LibSQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var where []string
	var args []any
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	query := "SELECT id, kind, payload, run_at, status, attempts, last_error, created_at, updated_at FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY run_at ASC, created_at ASC" + limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(r rowScanner) (*Job, error) {
	j := &Job{}
	var (
		payload, status string
		runAt           int64
		lastErr         sql.NullString
	)
	err := r.Scan(&j.ID, &j.Kind, &payload, &runAt, &status, &j.Attempts, &lastErr, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Payload = []byte(payload)
	j.RunAt = time.UnixMilli(runAt).UTC()
	j.Status = JobStatus(status)
	j.LastError = lastErr.String
	return j, nil
}
