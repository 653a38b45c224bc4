// Package hook defines the lifecycle extension system for Casare.
// Extensions are notified of orchestration events (job submitted,
// assigned, completed, robot online/offline, etc.) and can react to
// them — logging, metrics, alerting.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after a job is accepted into the queue.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobAssigned is called after a job is claimed for a robot and the
// assignment is sent.
type JobAssigned interface {
	OnJobAssigned(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRequeued is called when a job returns to pending for another
// attempt, whether from a reported failure or an expired lease.
type JobRequeued interface {
	OnJobRequeued(ctx context.Context, j *job.Job, attempt int) error
}

// JobCancelled is called after a job is cancelled.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobDeadLettered is called when a failed job is pushed to the dead
// letter queue.
type JobDeadLettered interface {
	OnJobDeadLettered(ctx context.Context, j *job.Job, err error) error
}

// CancelAcked is called when a robot acknowledges a cancellation
// request. stopped reports whether the robot was still running the job
// when the request arrived.
type CancelAcked interface {
	OnCancelAcked(ctx context.Context, jobID id.JobID, stopped bool) error
}

// ──────────────────────────────────────────────────
// Robot lifecycle hooks
// ──────────────────────────────────────────────────

// RobotOnline is called when a robot registers or reconnects.
type RobotOnline interface {
	OnRobotOnline(ctx context.Context, r *robot.Robot) error
}

// RobotOffline is called when a robot deregisters or misses enough
// heartbeats to be declared dead.
type RobotOffline interface {
	OnRobotOffline(ctx context.Context, r *robot.Robot) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful orchestrator shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
