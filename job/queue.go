package job

import (
	"context"
	"math"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/id"
)

// ClaimOpts controls an atomic claim of pending jobs.
type ClaimOpts struct {
	// Environment filters claimable jobs. A robot in the "default"
	// environment may claim jobs from any environment, and any robot may
	// claim jobs targeted at "default".
	Environment string
	// RobotID is the robot the claimed jobs are leased to.
	RobotID id.RobotID
	// JobID, when set, targets the claim at one specific job. The claim
	// returns empty if that job is no longer claimable (another claimer
	// won the race, or it was cancelled).
	JobID id.JobID
	// Limit is the maximum number of jobs to claim.
	Limit int
	// Lease is how long the claim remains valid without a heartbeat.
	Lease time.Duration
}

// RequeuePolicy computes the visibility delay applied when an expired
// lease is requeued. The delay grows exponentially with the retry count.
type RequeuePolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DelayFor returns the requeue delay for the given retry count,
// capped at MaxDelay.
func (p RequeuePolicy) DelayFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retryCount)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}

	return d
}

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Environment filters by environment. Empty means all environments.
	Environment string
	// RobotID filters by the robot a job is assigned to. Nil means all.
	RobotID id.RobotID
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Environment filters by environment. Empty means all environments.
	Environment string
	// State filters by job state. Empty means all states.
	State State
}

// Queue defines the persistence contract for the durable job queue.
//
// Operations that act on a specific lease (ExtendLease, Complete, Fail,
// Release) take the robot ID making the call and return false when the
// job is no longer leased to that robot. Stale robots are silently
// no-op'd instead of corrupting state owned by another robot.
type Queue interface {
	// Submit persists a new job in pending state. If the job carries a
	// DedupKey that matches an existing non-terminal job, Submit returns
	// casare.ErrJobAlreadyExists.
	Submit(ctx context.Context, j *Job) error

	// Claim atomically moves up to opts.Limit visible pending jobs to
	// running, leases them to opts.RobotID, and returns them. Jobs are
	// ordered by priority (descending) then submission order (ascending).
	// No job is ever returned to two callers.
	Claim(ctx context.Context, opts ClaimOpts) ([]*Job, error)

	// ExtendLease pushes the lease expiry of a running job forward by
	// extra. Returns false if the job is not running or not leased to
	// robotID.
	ExtendLease(ctx context.Context, jobID id.JobID, robotID id.RobotID, extra time.Duration) (bool, error)

	// Complete marks a running job completed and records its result.
	// Returns false if the job is not leased to robotID.
	Complete(ctx context.Context, jobID id.JobID, robotID id.RobotID, result []byte) (bool, error)

	// Fail records a failure for a running job. If retryable and the
	// retry budget is not exhausted, the job returns to pending with
	// VisibleAfter set retryDelay in the future and RetryCount
	// incremented; otherwise it moves to failed. Returns false if the
	// job is not leased to robotID. A nil robotID skips the ownership
	// check, for orchestrator-initiated failures.
	Fail(ctx context.Context, jobID id.JobID, robotID id.RobotID, errMsg string, retryable bool, retryDelay time.Duration) (bool, error)

	// Release returns a running job to pending immediately without
	// consuming a retry. Used when a dispatch could not be delivered.
	// Returns false if the job is not leased to robotID.
	Release(ctx context.Context, jobID id.JobID, robotID id.RobotID) (bool, error)

	// Cancel cancels a pending or running job. Returns false if the job
	// is already terminal.
	Cancel(ctx context.Context, jobID id.JobID) (bool, error)

	// RecoverExpired requeues every running job whose lease has expired,
	// incrementing its retry count and applying the policy's backoff
	// delay. Jobs that have exhausted their retry budget move to failed
	// instead. Returns the affected jobs. The sweep is idempotent.
	RecoverExpired(ctx context.Context, policy RequeuePolicy) ([]*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobsByState returns jobs matching the given state.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// PendingEnvironments returns the distinct environments that
	// currently have visible pending jobs.
	PendingEnvironments(ctx context.Context) ([]string, error)
}
