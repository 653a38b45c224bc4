package robot

import (
	"time"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
)

// Status represents the derived availability of a robot. It is never
// stored: it is computed from heartbeat recency and load on read.
type Status string

const (
	// StatusOnline means the robot is heartbeating and has spare capacity.
	StatusOnline Status = "online"
	// StatusBusy means the robot is heartbeating but fully loaded.
	StatusBusy Status = "busy"
	// StatusOffline means heartbeats have stopped.
	StatusOffline Status = "offline"
)

// EnvironmentDefault is the wildcard environment. A robot registered for
// it may execute jobs from any environment, and a job targeted at it may
// run on any robot.
const EnvironmentDefault = "default"

// Robot represents a registered execution agent.
type Robot struct {
	casare.Entity

	ID           id.RobotID        `json:"id"`
	Name         string            `json:"name"`
	Hostname     string            `json:"hostname,omitempty"`
	Environments []string          `json:"environments"`
	Capacity     int               `json:"capacity"`
	ActiveJobs   int               `json:"active_jobs"`
	LastSeen     time.Time         `json:"last_seen"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DeriveStatus computes the robot's availability at the given instant.
// A robot whose last heartbeat is older than the timeout is offline
// regardless of its recorded load.
func DeriveStatus(r *Robot, now time.Time, heartbeatTimeout time.Duration) Status {
	if now.Sub(r.LastSeen) > heartbeatTimeout {
		return StatusOffline
	}

	if r.Capacity > 0 && r.ActiveJobs >= r.Capacity {
		return StatusBusy
	}

	return StatusOnline
}

// Matches reports whether a robot serving robotEnvs may execute a job
// targeted at jobEnv. The default environment is a wildcard on both
// sides.
func Matches(jobEnv string, robotEnvs []string) bool {
	if jobEnv == "" || jobEnv == EnvironmentDefault {
		return true
	}

	for _, env := range robotEnvs {
		if env == jobEnv || env == EnvironmentDefault {
			return true
		}
	}

	return false
}

// SpareCapacity returns how many more jobs the robot can take on.
func (r *Robot) SpareCapacity() int {
	spare := r.Capacity - r.ActiveJobs
	if spare < 0 {
		return 0
	}

	return spare
}
