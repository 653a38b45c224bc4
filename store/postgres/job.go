package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
)

const jobColumns = `
	id, workflow_id, workflow_name, payload, state, priority, environment,
	max_retries, retry_count, last_error, result, robot_id, dedup_key,
	variables, metadata, visible_after, started_at, completed_at,
	created_at, updated_at`

// Submit persists a new job in pending state. A dedup key colliding
// with a non-terminal job trips the partial unique index and surfaces
// as ErrJobAlreadyExists.
func (s *Store) Submit(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO casare_jobs (`+jobColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20
		)`,
		j.ID.String(), nullableID(j.WorkflowID), j.WorkflowName, j.Payload,
		string(j.State), j.Priority, j.Environment,
		j.MaxRetries, j.RetryCount, j.LastError, j.Result,
		nullableID(j.RobotID), j.DedupKey,
		j.Variables, j.Metadata, j.VisibleAfter, j.StartedAt, j.CompletedAt,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return casare.ErrJobAlreadyExists
		}
		return fmt.Errorf("casare/postgres: submit job: %w", err)
	}
	return nil
}

// Claim atomically moves up to opts.Limit visible pending jobs to
// running and leases them to opts.RobotID. SELECT FOR UPDATE SKIP
// LOCKED guarantees exactly one claimer wins per job even with many
// dispatcher processes on the same database.
func (s *Store) Claim(ctx context.Context, opts job.ClaimOpts) ([]*job.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE casare_jobs
			SET state = 'running',
			    robot_id = $2,
			    started_at = NOW(),
			    visible_after = NOW() + make_interval(secs => $3),
			    updated_at = NOW()
			WHERE id IN (
				SELECT id FROM casare_jobs
				WHERE state = 'pending'
				  AND visible_after <= NOW()
				  AND (environment = $1 OR environment = 'default' OR $1 = 'default')
				  AND ($4::text IS NULL OR id = $4)
				ORDER BY priority DESC, created_at ASC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $5
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY priority DESC, created_at ASC, id ASC`,
		opts.Environment, opts.RobotID.String(), opts.Lease.Seconds(),
		nullableID(opts.JobID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("casare/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ExtendLease pushes the lease expiry of a running job forward.
func (s *Store) ExtendLease(ctx context.Context, jobID id.JobID, robotID id.RobotID, extra time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE casare_jobs
		SET visible_after = NOW() + make_interval(secs => $3),
		    updated_at = NOW()
		WHERE id = $1 AND robot_id = $2 AND state = 'running'`,
		jobID.String(), robotID.String(), extra.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("casare/postgres: extend lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete marks a running job completed and records its result.
func (s *Store) Complete(ctx context.Context, jobID id.JobID, robotID id.RobotID, result []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE casare_jobs
		SET state = 'completed',
		    result = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND robot_id = $2 AND state = 'running'`,
		jobID.String(), robotID.String(), result,
	)
	if err != nil {
		return false, fmt.Errorf("casare/postgres: complete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Fail records a failure for a running job: back to pending with a
// retry delay while budget remains, terminal failed otherwise. One
// statement, so the retry decision is atomic under concurrent sweeps.
// A nil robotID skips the ownership check (orchestrator-initiated).
func (s *Store) Fail(ctx context.Context, jobID id.JobID, robotID id.RobotID, errMsg string, retryable bool, retryDelay time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE casare_jobs
		SET last_error = $3,
		    state = CASE WHEN $4 AND retry_count < max_retries
		                 THEN 'pending' ELSE 'failed' END,
		    retry_count = CASE WHEN $4 AND retry_count < max_retries
		                       THEN retry_count + 1 ELSE retry_count END,
		    robot_id = CASE WHEN $4 AND retry_count < max_retries
		                    THEN NULL ELSE robot_id END,
		    started_at = CASE WHEN $4 AND retry_count < max_retries
		                      THEN NULL ELSE started_at END,
		    visible_after = CASE WHEN $4 AND retry_count < max_retries
		                         THEN NOW() + make_interval(secs => $5)
		                         ELSE visible_after END,
		    completed_at = CASE WHEN $4 AND retry_count < max_retries
		                        THEN NULL ELSE NOW() END,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'running'
		  AND ($2::text IS NULL OR robot_id = $2)`,
		jobID.String(), nullableID(robotID), errMsg, retryable, retryDelay.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("casare/postgres: fail job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release returns a running job to pending immediately without
// consuming a retry.
func (s *Store) Release(ctx context.Context, jobID id.JobID, robotID id.RobotID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE casare_jobs
		SET state = 'pending',
		    robot_id = NULL,
		    started_at = NULL,
		    visible_after = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND robot_id = $2 AND state = 'running'`,
		jobID.String(), robotID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("casare/postgres: release job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel cancels a pending or running job.
func (s *Store) Cancel(ctx context.Context, jobID id.JobID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE casare_jobs
		SET state = 'cancelled',
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND state IN ('pending', 'running')`,
		jobID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("casare/postgres: cancel job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Distinguish "already terminal" from "no such job".
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

// RecoverExpired requeues every running job whose lease has expired.
// The backoff is computed in SQL from the old retry count, so the whole
// sweep is one set-based statement and stays idempotent when several
// orchestrator processes sweep concurrently.
func (s *Store) RecoverExpired(ctx context.Context, policy job.RequeuePolicy) ([]*job.Job, error) {
	maxSecs := policy.MaxDelay.Seconds()
	if maxSecs <= 0 {
		maxSecs = math.MaxInt32
	}

	rows, err := s.pool.Query(ctx, `
		WITH recovered AS (
			UPDATE casare_jobs
			SET state = CASE WHEN retry_count < max_retries
			                 THEN 'pending' ELSE 'failed' END,
			    retry_count = CASE WHEN retry_count < max_retries
			                       THEN retry_count + 1 ELSE retry_count END,
			    robot_id = CASE WHEN retry_count < max_retries
			                    THEN NULL ELSE robot_id END,
			    started_at = CASE WHEN retry_count < max_retries
			                      THEN NULL ELSE started_at END,
			    visible_after = CASE WHEN retry_count < max_retries
			                         THEN NOW() + make_interval(secs =>
			                              LEAST($1 * power($2, retry_count), $3))
			                         ELSE visible_after END,
			    completed_at = CASE WHEN retry_count < max_retries
			                        THEN NULL ELSE NOW() END,
			    last_error = CASE WHEN retry_count < max_retries
			                      THEN last_error
			                      ELSE COALESCE(NULLIF(last_error, ''),
			                           'lease expired: robot stopped responding') END,
			    updated_at = NOW()
			WHERE state = 'running' AND visible_after < NOW()
			RETURNING `+jobColumns+`
		)
		SELECT * FROM recovered ORDER BY created_at ASC`,
		policy.BaseDelay.Seconds(), policy.Multiplier, maxSecs,
	)
	if err != nil {
		return nil, fmt.Errorf("casare/postgres: recover expired: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM casare_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, casare.ErrJobNotFound
		}
		return nil, fmt.Errorf("casare/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM casare_jobs WHERE state = $1`
	args := []any{string(state)}
	argIdx := 2

	if opts.Environment != "" {
		query += fmt.Sprintf(" AND environment = $%d", argIdx)
		args = append(args, opts.Environment)
		argIdx++
	}
	if !opts.RobotID.IsNil() {
		query += fmt.Sprintf(" AND robot_id = $%d", argIdx)
		args = append(args, opts.RobotID.String())
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("casare/postgres: list jobs by state: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM casare_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Environment != "" {
		query += fmt.Sprintf(" AND environment = $%d", argIdx)
		args = append(args, opts.Environment)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("casare/postgres: count jobs: %w", err)
	}
	return count, nil
}

// PendingEnvironments returns the distinct environments that currently
// have visible pending jobs.
func (s *Store) PendingEnvironments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT environment FROM casare_jobs
		WHERE state = 'pending' AND visible_after <= NOW()
		ORDER BY environment ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("casare/postgres: pending environments: %w", err)
	}
	defer rows.Close()

	var envs []string
	for rows.Next() {
		var env string
		if err := rows.Scan(&env); err != nil {
			return nil, fmt.Errorf("casare/postgres: scan environment: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casare/postgres: iterate environments: %w", err)
	}
	return envs, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j        job.Job
		stateStr string
	)
	err := row.Scan(
		&j.ID, &j.WorkflowID, &j.WorkflowName, &j.Payload, &stateStr,
		&j.Priority, &j.Environment,
		&j.MaxRetries, &j.RetryCount, &j.LastError, &j.Result,
		&j.RobotID, &j.DedupKey,
		&j.Variables, &j.Metadata, &j.VisibleAfter, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("casare/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casare/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
