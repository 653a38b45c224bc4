package dlq

import (
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/id"
)

// Entry represents a job that failed terminally and was moved to the
// dead letter queue for inspection or replay.
type Entry struct {
	ID           id.DLQID          `json:"id"`
	JobID        id.JobID          `json:"job_id"`
	WorkflowName string            `json:"workflow_name"`
	Environment  string            `json:"environment"`
	Payload      []byte            `json:"payload,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Error        string            `json:"error"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	FailedAt     time.Time         `json:"failed_at"`
	ReplayedAt   *time.Time        `json:"replayed_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
