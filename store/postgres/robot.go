package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

const robotColumns = `
	id, name, hostname, environments, capacity, active_jobs,
	last_seen, metadata, created_at, updated_at`

// Register adds a robot to the registry.
func (s *Store) Register(ctx context.Context, r *robot.Robot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO casare_robots (`+robotColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID.String(), r.Name, r.Hostname, r.Environments,
		r.Capacity, r.ActiveJobs, r.LastSeen, r.Metadata,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return casare.ErrRobotAlreadyExists
		}
		return fmt.Errorf("casare/postgres: register robot: %w", err)
	}
	return nil
}

// Deregister removes a robot from the registry.
func (s *Store) Deregister(ctx context.Context, robotID id.RobotID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM casare_robots WHERE id = $1`,
		robotID.String(),
	)
	if err != nil {
		return fmt.Errorf("casare/postgres: deregister robot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casare.ErrRobotNotFound
	}
	return nil
}

// Heartbeat updates the last-seen timestamp and the robot-reported
// active job count.
func (s *Store) Heartbeat(ctx context.Context, robotID id.RobotID, activeJobs int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE casare_robots
		SET last_seen = NOW(), active_jobs = $2, updated_at = NOW()
		WHERE id = $1`,
		robotID.String(), activeJobs,
	)
	if err != nil {
		return fmt.Errorf("casare/postgres: heartbeat robot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casare.ErrRobotNotFound
	}
	return nil
}

// Get retrieves a robot by ID.
func (s *Store) Get(ctx context.Context, robotID id.RobotID) (*robot.Robot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+robotColumns+` FROM casare_robots WHERE id = $1`,
		robotID.String(),
	)

	r, err := scanRobot(row)
	if err != nil {
		if isNoRows(err) {
			return nil, casare.ErrRobotNotFound
		}
		return nil, fmt.Errorf("casare/postgres: get robot: %w", err)
	}
	return r, nil
}

// List returns all registered robots.
func (s *Store) List(ctx context.Context) ([]*robot.Robot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+robotColumns+` FROM casare_robots ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("casare/postgres: list robots: %w", err)
	}
	defer rows.Close()

	return collectRobots(rows)
}

// ReapStale returns robots whose last heartbeat is older than the given
// threshold.
func (s *Store) ReapStale(ctx context.Context, threshold time.Duration) ([]*robot.Robot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+robotColumns+` FROM casare_robots
		WHERE last_seen < NOW() - make_interval(secs => $1)`,
		threshold.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("casare/postgres: reap stale robots: %w", err)
	}
	defer rows.Close()

	return collectRobots(rows)
}

// scanRobot scans a single robot row.
func scanRobot(row pgx.Row) (*robot.Robot, error) {
	var r robot.Robot
	err := row.Scan(
		&r.ID, &r.Name, &r.Hostname, &r.Environments,
		&r.Capacity, &r.ActiveJobs, &r.LastSeen, &r.Metadata,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// collectRobots collects all robots from query rows.
func collectRobots(rows pgx.Rows) ([]*robot.Robot, error) {
	var robots []*robot.Robot
	for rows.Next() {
		r, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("casare/postgres: scan robot row: %w", err)
		}
		robots = append(robots, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casare/postgres: iterate robot rows: %w", err)
	}
	return robots, nil
}
