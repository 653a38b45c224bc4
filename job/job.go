package job

import (
	"time"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be claimed by a robot.
	StatePending State = "pending"
	// StateRunning means a robot is currently executing the job.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed permanently and will not be retried.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// transitions is the set of legal state machine edges. A failed job that
// still has retry budget goes back to pending (with a visibility delay),
// so "running → pending" covers both requeue-after-failure and
// release-after-lease-expiry.
var transitions = map[State][]State{
	StatePending:   {StateRunning, StateCancelled},
	StateRunning:   {StateCompleted, StateFailed, StateCancelled, StatePending},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// CanTransition reports whether moving from one state to another is a
// legal edge of the job state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Job represents a unit of work to be executed by a robot.
type Job struct {
	casare.Entity

	ID           id.JobID          `json:"id"`
	WorkflowID   id.WorkflowID     `json:"workflow_id,omitempty"`
	WorkflowName string            `json:"workflow_name"`
	Payload      []byte            `json:"payload,omitempty"`
	State        State             `json:"state"`
	Priority     int               `json:"priority"`
	Environment  string            `json:"environment"`
	MaxRetries   int               `json:"max_retries"`
	RetryCount   int               `json:"retry_count"`
	LastError    string            `json:"last_error,omitempty"`
	Result       []byte            `json:"result,omitempty"`
	RobotID      id.RobotID        `json:"robot_id,omitempty"`
	DedupKey     string            `json:"dedup_key,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	VisibleAfter time.Time         `json:"visible_after"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// RetriesExhausted reports whether the job has consumed its full retry
// budget. A job with MaxRetries=3 may run 4 times in total.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}
