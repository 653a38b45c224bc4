package audit

import (
	"context"
	"log/slog"
)

// Event is one audit trail entry.
type Event struct {
	// Action names what happened, e.g. "job.completed".
	Action string `json:"action"`

	// Resource is the entity kind the action applies to.
	Resource string `json:"resource"`

	// ResourceID identifies the specific entity.
	ResourceID string `json:"resource_id,omitempty"`

	// Category groups related actions for filtering.
	Category string `json:"category"`

	// Outcome is "success" or "failure".
	Outcome string `json:"outcome"`

	// Severity is "info", "warning" or "critical".
	Severity string `json:"severity"`

	// Reason carries the error message for failure outcomes.
	Reason string `json:"reason,omitempty"`

	// Metadata holds action-specific details.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Recorder persists audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc adapts a plain function to a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// SlogRecorder writes audit events to a structured logger. It is the
// default backend when no external audit store is wired.
type SlogRecorder struct {
	logger *slog.Logger
}

// NewSlogRecorder creates a recorder writing to the given logger.
func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogRecorder{logger: logger}
}

func (r *SlogRecorder) Record(ctx context.Context, event *Event) error {
	attrs := []any{
		"action", event.Action,
		"resource", event.Resource,
		"resource_id", event.ResourceID,
		"category", event.Category,
		"outcome", event.Outcome,
		"severity", event.Severity,
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}

	switch event.Severity {
	case SeverityCritical:
		r.logger.ErrorContext(ctx, "audit", attrs...)
	case SeverityWarning:
		r.logger.WarnContext(ctx, "audit", attrs...)
	default:
		r.logger.InfoContext(ctx, "audit", attrs...)
	}
	return nil
}
