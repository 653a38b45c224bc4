package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobSubmittedEntry struct {
	name string
	hook JobSubmitted
}

type jobAssignedEntry struct {
	name string
	hook JobAssigned
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRequeuedEntry struct {
	name string
	hook JobRequeued
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type jobDeadLetteredEntry struct {
	name string
	hook JobDeadLettered
}

type cancelAckedEntry struct {
	name string
	hook CancelAcked
}

type robotOnlineEntry struct {
	name string
	hook RobotOnline
}

type robotOfflineEntry struct {
	name string
	hook RobotOffline
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobSubmitted    []jobSubmittedEntry
	jobAssigned     []jobAssignedEntry
	jobCompleted    []jobCompletedEntry
	jobFailed       []jobFailedEntry
	jobRequeued     []jobRequeuedEntry
	jobCancelled    []jobCancelledEntry
	jobDeadLettered []jobDeadLetteredEntry
	cancelAcked     []cancelAckedEntry
	robotOnline     []robotOnlineEntry
	robotOffline    []robotOfflineEntry
	shutdown        []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobSubmitted); ok {
		r.jobSubmitted = append(r.jobSubmitted, jobSubmittedEntry{name, h})
	}
	if h, ok := e.(JobAssigned); ok {
		r.jobAssigned = append(r.jobAssigned, jobAssignedEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobRequeued); ok {
		r.jobRequeued = append(r.jobRequeued, jobRequeuedEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(JobDeadLettered); ok {
		r.jobDeadLettered = append(r.jobDeadLettered, jobDeadLetteredEntry{name, h})
	}
	if h, ok := e.(CancelAcked); ok {
		r.cancelAcked = append(r.cancelAcked, cancelAckedEntry{name, h})
	}
	if h, ok := e.(RobotOnline); ok {
		r.robotOnline = append(r.robotOnline, robotOnlineEntry{name, h})
	}
	if h, ok := e.(RobotOffline); ok {
		r.robotOffline = append(r.robotOffline, robotOfflineEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobSubmitted notifies all extensions that implement JobSubmitted.
func (r *Registry) EmitJobSubmitted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobSubmitted {
		if err := e.hook.OnJobSubmitted(ctx, j); err != nil {
			r.logHookError("OnJobSubmitted", e.name, err)
		}
	}
}

// EmitJobAssigned notifies all extensions that implement JobAssigned.
func (r *Registry) EmitJobAssigned(ctx context.Context, j *job.Job) {
	for _, e := range r.jobAssigned {
		if err := e.hook.OnJobAssigned(ctx, j); err != nil {
			r.logHookError("OnJobAssigned", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRequeued notifies all extensions that implement JobRequeued.
func (r *Registry) EmitJobRequeued(ctx context.Context, j *job.Job, attempt int) {
	for _, e := range r.jobRequeued {
		if err := e.hook.OnJobRequeued(ctx, j, attempt); err != nil {
			r.logHookError("OnJobRequeued", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// EmitJobDeadLettered notifies all extensions that implement JobDeadLettered.
func (r *Registry) EmitJobDeadLettered(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobDeadLettered {
		if err := e.hook.OnJobDeadLettered(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobDeadLettered", e.name, err)
		}
	}
}

// EmitCancelAcked notifies all extensions that implement CancelAcked.
func (r *Registry) EmitCancelAcked(ctx context.Context, jobID id.JobID, stopped bool) {
	for _, e := range r.cancelAcked {
		if err := e.hook.OnCancelAcked(ctx, jobID, stopped); err != nil {
			r.logHookError("OnCancelAcked", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Robot event emitters
// ──────────────────────────────────────────────────

// EmitRobotOnline notifies all extensions that implement RobotOnline.
func (r *Registry) EmitRobotOnline(ctx context.Context, rb *robot.Robot) {
	for _, e := range r.robotOnline {
		if err := e.hook.OnRobotOnline(ctx, rb); err != nil {
			r.logHookError("OnRobotOnline", e.name, err)
		}
	}
}

// EmitRobotOffline notifies all extensions that implement RobotOffline.
func (r *Registry) EmitRobotOffline(ctx context.Context, rb *robot.Robot) {
	for _, e := range r.robotOffline {
		if err := e.hook.OnRobotOffline(ctx, rb); err != nil {
			r.logHookError("OnRobotOffline", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
