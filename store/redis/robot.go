package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Register adds a robot to the presence registry.
func (s *Store) Register(ctx context.Context, r *robot.Robot) error {
	rID := r.ID.String()
	key := robotKey(rID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("casare/redis: register exists: %w", err)
	}
	if exists != 0 {
		return casare.ErrRobotAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, robotToMap(r))
	pipe.SAdd(ctx, robotIDsKey, rID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("casare/redis: register robot: %w", err)
	}
	return nil
}

// Deregister removes a robot from the presence registry.
func (s *Store) Deregister(ctx context.Context, robotID id.RobotID) error {
	rID := robotID.String()
	key := robotKey(rID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("casare/redis: deregister exists: %w", err)
	}
	if exists == 0 {
		return casare.ErrRobotNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, robotIDsKey, rID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("casare/redis: deregister robot: %w", err)
	}
	return nil
}

// Heartbeat updates the last-seen timestamp and reported load for a robot.
func (s *Store) Heartbeat(ctx context.Context, robotID id.RobotID, activeJobs int) error {
	key := robotKey(robotID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("casare/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return casare.ErrRobotNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"last_seen", time.Now().UTC().Format(time.RFC3339Nano),
		"active_jobs", strconv.Itoa(activeJobs),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("casare/redis: heartbeat robot: %w", err)
	}
	return nil
}

// Get retrieves a robot by ID.
func (s *Store) Get(ctx context.Context, robotID id.RobotID) (*robot.Robot, error) {
	vals, err := s.client.HGetAll(ctx, robotKey(robotID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("casare/redis: get robot: %w", err)
	}
	if len(vals) == 0 {
		return nil, casare.ErrRobotNotFound
	}
	return mapToRobot(vals)
}

// List returns all registered robots.
func (s *Store) List(ctx context.Context) ([]*robot.Robot, error) {
	ids, err := s.client.SMembers(ctx, robotIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("casare/redis: list robots: %w", err)
	}

	robots := make([]*robot.Robot, 0, len(ids))
	for _, rID := range ids {
		vals, getErr := s.client.HGetAll(ctx, robotKey(rID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		r, convErr := mapToRobot(vals)
		if convErr != nil {
			continue
		}
		robots = append(robots, r)
	}
	return robots, nil
}

// ReapStale returns robots whose last heartbeat is older than the threshold.
func (s *Store) ReapStale(ctx context.Context, threshold time.Duration) ([]*robot.Robot, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, robotIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("casare/redis: reap smembers: %w", err)
	}

	var stale []*robot.Robot
	for _, rID := range ids {
		vals, getErr := s.client.HGetAll(ctx, robotKey(rID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		r, convErr := mapToRobot(vals)
		if convErr != nil {
			continue
		}
		if r.LastSeen.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	return stale, nil
}

// ── helpers ──

func robotToMap(r *robot.Robot) map[string]interface{} {
	return map[string]interface{}{
		"id":           r.ID.String(),
		"name":         r.Name,
		"hostname":     r.Hostname,
		"environments": marshalJSON(r.Environments),
		"capacity":     strconv.Itoa(r.Capacity),
		"active_jobs":  strconv.Itoa(r.ActiveJobs),
		"last_seen":    r.LastSeen.Format(time.RFC3339Nano),
		"metadata":     marshalJSON(r.Metadata),
		"created_at":   r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   r.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToRobot(m map[string]string) (*robot.Robot, error) {
	rID, err := id.ParseRobotID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("casare/redis: parse robot id: %w", err)
	}

	capacity, _ := strconv.Atoi(m["capacity"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	activeJobs, _ := strconv.Atoi(m["active_jobs"])               //nolint:errcheck // best-effort parse from trusted Redis data
	lastSeen, _ := time.Parse(time.RFC3339Nano, m["last_seen"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &robot.Robot{
		Entity:       casare.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
		ID:           rID,
		Name:         m["name"],
		Hostname:     m["hostname"],
		Environments: unmarshalStrings(m["environments"]),
		Capacity:     capacity,
		ActiveJobs:   activeJobs,
		LastSeen:     lastSeen,
		Metadata:     unmarshalMap(m["metadata"]),
	}, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
