package robot

import (
	"context"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/id"
)

// Store defines the persistence contract for the robot registry.
type Store interface {
	// Register adds a robot to the registry. Returns
	// casare.ErrRobotAlreadyExists if the ID is already registered.
	Register(ctx context.Context, r *Robot) error

	// Deregister removes a robot from the registry.
	Deregister(ctx context.Context, robotID id.RobotID) error

	// Heartbeat updates the last-seen timestamp and the robot-reported
	// active job count. Returns casare.ErrRobotNotFound for unknown IDs.
	Heartbeat(ctx context.Context, robotID id.RobotID, activeJobs int) error

	// Get retrieves a robot by ID.
	Get(ctx context.Context, robotID id.RobotID) (*Robot, error)

	// List returns all registered robots.
	List(ctx context.Context) ([]*Robot, error)

	// ReapStale returns robots whose last heartbeat is older than the
	// given threshold, indicating they may have crashed.
	ReapStale(ctx context.Context, threshold time.Duration) ([]*Robot, error)
}
