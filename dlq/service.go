package dlq

import (
	"context"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store Store
	queue job.Queue
}

// NewService creates a DLQ service.
func NewService(store Store, queue job.Queue) *Service {
	return &Service{store: store, queue: queue}
}

// Push builds a DLQ Entry from a terminally failed job and persists it.
// The error string is captured from the original failure.
func (s *Service) Push(ctx context.Context, j *job.Job, jobErr error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:           id.NewDLQID(),
		JobID:        j.ID,
		WorkflowName: j.WorkflowName,
		Environment:  j.Environment,
		Payload:      j.Payload,
		Variables:    j.Variables,
		Error:        jobErr.Error(),
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		FailedAt:     now,
		CreatedAt:    now,
	}

	return s.store.PushDLQ(ctx, entry)
}

// Store returns the underlying DLQ store for direct access to List,
// Get, Purge, and Count operations.
func (s *Service) Store() Store {
	return s.store
}
