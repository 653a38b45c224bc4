package dlq

import (
	"context"

	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
)

// Replay resubmits a DLQ entry as a new pending job and marks the
// entry as replayed. The new job gets a fresh ID, a zero retry count,
// and is immediately visible.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*job.Job, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	j := job.New(entry.WorkflowName, entry.Payload,
		job.WithEnvironment(entry.Environment),
		job.WithMaxRetries(entry.MaxRetries),
		job.WithVariables(entry.Variables),
	)

	if err := s.queue.Submit(ctx, j); err != nil {
		return nil, err
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The job is already submitted. Surface the error but keep the job.
		return j, err
	}

	return j, nil
}
