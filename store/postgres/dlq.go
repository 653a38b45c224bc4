package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/dlq"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
)

const dlqColumns = `
	id, job_id, workflow_name, environment, payload, variables, error,
	retry_count, max_retries, failed_at, replayed_at, created_at`

// PushDLQ adds a failed job entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO casare_dlq (`+dlqColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID.String(), entry.JobID.String(), entry.WorkflowName,
		entry.Environment, entry.Payload, entry.Variables, entry.Error,
		entry.RetryCount, entry.MaxRetries,
		entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("casare/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM casare_dlq WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Environment != "" {
		query += fmt.Sprintf(" AND environment = $%d", argIdx)
		args = append(args, opts.Environment)
		argIdx++
	}

	query += " ORDER BY failed_at ASC"

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
		return nil, fmt.Errorf("casare/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("casare/postgres: scan dlq row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casare/postgres: iterate dlq rows: %w", err)
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM casare_dlq WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanDLQEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, casare.ErrDLQNotFound
		}
		return nil, fmt.Errorf("casare/postgres: get dlq entry: %w", err)
	}
	return e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE casare_dlq SET replayed_at = NOW() WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("casare/postgres: replay dlq entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casare.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM casare_dlq WHERE failed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("casare/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM casare_dlq`).Scan(&count); err != nil {
		return 0, fmt.Errorf("casare/postgres: count dlq: %w", err)
	}
	return count, nil
}

// scanDLQEntry scans a single DLQ entry row.
func scanDLQEntry(row pgx.Row) (*dlq.Entry, error) {
	var e dlq.Entry
	err := row.Scan(
		&e.ID, &e.JobID, &e.WorkflowName, &e.Environment,
		&e.Payload, &e.Variables, &e.Error,
		&e.RetryCount, &e.MaxRetries,
		&e.FailedAt, &e.ReplayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
