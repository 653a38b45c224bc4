package casare

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("casare: no store configured")
	ErrStoreClosed = errors.New("casare: store closed")

	// Not found errors.
	ErrJobNotFound   = errors.New("casare: job not found")
	ErrRobotNotFound = errors.New("casare: robot not found")
	ErrDLQNotFound   = errors.New("casare: dlq entry not found")

	// Conflict errors.
	ErrJobAlreadyExists   = errors.New("casare: job already exists")
	ErrRobotAlreadyExists = errors.New("casare: robot already exists")

	// State errors.
	ErrInvalidState       = errors.New("casare: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("casare: max retries exceeded")

	// Dispatch errors.
	ErrRobotUnavailable = errors.New("casare: robot connection unavailable")
)
