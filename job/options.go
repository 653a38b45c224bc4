package job

import (
	"time"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
)

// Option is a functional option applied when constructing a job.
type Option func(*Job)

// New constructs a pending job for the named workflow with defaults
// applied: priority 0, environment "default", 3 retries, visible now.
func New(workflowName string, payload []byte, opts ...Option) *Job {
	j := &Job{
		Entity:       casare.NewEntity(),
		ID:           id.NewJobID(),
		WorkflowName: workflowName,
		Payload:      payload,
		State:        StatePending,
		Environment:  "default",
		MaxRetries:   3,
		VisibleAfter: time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(j)
	}

	return j
}

// WithPriority sets the job priority. Higher values are claimed first.
func WithPriority(p int) Option {
	return func(j *Job) {
		j.Priority = p
	}
}

// WithEnvironment targets the job at robots registered for the given
// environment.
func WithEnvironment(env string) Option {
	return func(j *Job) {
		if env != "" {
			j.Environment = env
		}
	}
}

// WithWorkflowID attaches the workflow definition this job runs.
func WithWorkflowID(wfID id.WorkflowID) Option {
	return func(j *Job) {
		j.WorkflowID = wfID
	}
}

// WithMaxRetries sets the retry budget. Zero means no retries.
func WithMaxRetries(n int) Option {
	return func(j *Job) {
		if n >= 0 {
			j.MaxRetries = n
		}
	}
}

// WithVisibleAfter delays the job until the given time.
func WithVisibleAfter(t time.Time) Option {
	return func(j *Job) {
		j.VisibleAfter = t.UTC()
	}
}

// WithVariables sets the workflow input variables.
func WithVariables(vars map[string]string) Option {
	return func(j *Job) {
		j.Variables = vars
	}
}

// WithMetadata attaches caller-defined metadata to the job.
func WithMetadata(md map[string]string) Option {
	return func(j *Job) {
		j.Metadata = md
	}
}

// WithDedupKey sets a deduplication key. Submitting a second job with
// the same key while the first is still pending or running fails with
// casare.ErrJobAlreadyExists.
func WithDedupKey(key string) Option {
	return func(j *Job) {
		j.DedupKey = key
	}
}
