package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/hook"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Compile-time interface checks.
var (
	_ hook.Extension       = (*Extension)(nil)
	_ hook.JobSubmitted    = (*Extension)(nil)
	_ hook.JobAssigned     = (*Extension)(nil)
	_ hook.JobCompleted    = (*Extension)(nil)
	_ hook.JobFailed       = (*Extension)(nil)
	_ hook.JobRequeued     = (*Extension)(nil)
	_ hook.JobCancelled    = (*Extension)(nil)
	_ hook.JobDeadLettered = (*Extension)(nil)
	_ hook.RobotOnline     = (*Extension)(nil)
	_ hook.RobotOffline    = (*Extension)(nil)
)

// Extension emits one audit event per orchestration lifecycle
// transition through the configured Recorder. Recorder failures are
// logged, never propagated: a broken audit backend must not stall
// dispatch.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all actions enabled
	logger   *slog.Logger
}

// New creates an audit extension writing through the given recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements hook.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Job lifecycle ───────────────────────────────────

func (e *Extension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobSubmitted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"workflow", j.WorkflowName,
		"environment", j.Environment,
		"priority", j.Priority,
	)
}

func (e *Extension) OnJobAssigned(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobAssigned, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"workflow", j.WorkflowName,
		"environment", j.Environment,
		"robot_id", j.RobotID.String(),
	)
}

func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return e.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"workflow", j.WorkflowName,
		"environment", j.Environment,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return e.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, jobErr,
		"workflow", j.WorkflowName,
		"environment", j.Environment,
		"retry_count", j.RetryCount,
		"max_retries", j.MaxRetries,
	)
}

func (e *Extension) OnJobRequeued(ctx context.Context, j *job.Job, attempt int) error {
	return e.record(ctx, ActionJobRequeued, SeverityWarning, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"workflow", j.WorkflowName,
		"environment", j.Environment,
		"attempt", attempt,
		"last_error", j.LastError,
	)
}

func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobCancelled, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"workflow", j.WorkflowName,
		"environment", j.Environment,
	)
}

func (e *Extension) OnJobDeadLettered(ctx context.Context, j *job.Job, jobErr error) error {
	return e.record(ctx, ActionJobDeadLettered, SeverityCritical, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, jobErr,
		"workflow", j.WorkflowName,
		"environment", j.Environment,
		"retry_count", j.RetryCount,
	)
}

// ── Robot lifecycle ─────────────────────────────────

func (e *Extension) OnRobotOnline(ctx context.Context, r *robot.Robot) error {
	return e.record(ctx, ActionRobotOnline, SeverityInfo, OutcomeSuccess,
		ResourceRobot, r.ID.String(), CategoryFleet, nil,
		"name", r.Name,
		"hostname", r.Hostname,
		"capacity", r.Capacity,
	)
}

func (e *Extension) OnRobotOffline(ctx context.Context, r *robot.Robot) error {
	return e.record(ctx, ActionRobotOffline, SeverityWarning, OutcomeFailure,
		ResourceRobot, r.ID.String(), CategoryFleet, nil,
		"name", r.Name,
		"hostname", r.Hostname,
		"active_jobs", r.ActiveJobs,
	)
}

// ── Internal ────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// kvPairs is a flat list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Category:   category,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
		Metadata:   meta,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: record failed",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
