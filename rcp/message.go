// Package rcp implements the Robot Communication Protocol (RCP) — a
// message-based protocol between the orchestrator and its robot fleet,
// transported over WebSocket.
package rcp

import (
	"encoding/json"
	"time"
)

// MessageType identifies the message category.
type MessageType string

const (
	// Robot → orchestrator.
	MessageRegister    MessageType = "REGISTER"
	MessageHeartbeat   MessageType = "HEARTBEAT"
	MessageJobAccept   MessageType = "JOB_ACCEPT"
	MessageJobReject   MessageType = "JOB_REJECT"
	MessageJobProgress MessageType = "JOB_PROGRESS"
	MessageJobComplete MessageType = "JOB_COMPLETE"
	MessageJobFailed   MessageType = "JOB_FAILED"
	MessageCancelAck   MessageType = "CANCEL_ACK"

	// Orchestrator → robot.
	MessageRegisterAck  MessageType = "REGISTER_ACK"
	MessageHeartbeatAck MessageType = "HEARTBEAT_ACK"
	MessageJobAssign    MessageType = "JOB_ASSIGN"
	MessageJobCancel    MessageType = "JOB_CANCEL"

	// Either direction.
	MessageError MessageType = "ERROR"
)

// Message is the RCP envelope. Every exchange over the protocol is a
// Message.
type Message struct {
	// ID uniquely identifies this message.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the message.
	Type MessageType `json:"type" msgpack:"type"`

	// CorrelID links an ack or response to its originating message.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// RobotID identifies the sending or addressed robot. Empty until
	// registration completes.
	RobotID string `json:"robot_id,omitempty" msgpack:"robot_id,omitempty"`

	// JobID identifies the job a job-scoped message refers to.
	JobID string `json:"job_id,omitempty" msgpack:"job_id,omitempty"`

	// Payload carries the type-specific body.
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// Error carries error details for ERROR messages.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when the message was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in an ERROR message.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Details string `json:"details,omitempty" msgpack:"details,omitempty"`
}

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest   = 400
	ErrCodeUnauthorized = 401
	ErrCodeNotFound     = 404
	ErrCodeConflict     = 409
	ErrCodeInternal     = 500
)

// ── Message payloads ────────────────────────────────

// RegisterRequest is the first message a robot sends after connecting.
type RegisterRequest struct {
	// RobotID is set on reconnect so the robot keeps its identity.
	// Empty on first connect; the orchestrator assigns one.
	RobotID      string            `json:"robot_id,omitempty"`
	Name         string            `json:"name"`
	Hostname     string            `json:"hostname,omitempty"`
	Capacity     int               `json:"capacity"`
	Environments []string          `json:"environments"`
	Token        string            `json:"token"`
	Format       string            `json:"format,omitempty"` // "json" (default) or "msgpack"
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RegisterAck confirms registration.
type RegisterAck struct {
	RobotID           string        `json:"robot_id"`
	SessionID         string        `json:"session_id"`
	Format            string        `json:"format"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// OwnedJobs lists the jobs still leased to this robot, derived from
	// the queue, so a reconnecting robot can resume or drop them.
	OwnedJobs []string `json:"owned_jobs,omitempty"`
}

// Heartbeat reports robot liveness and load.
type Heartbeat struct {
	ActiveJobs int `json:"active_jobs"`
	// JobIDs lists the jobs currently executing so the orchestrator can
	// extend their leases.
	JobIDs []string `json:"job_ids,omitempty"`
}

// HeartbeatAck confirms a heartbeat.
type HeartbeatAck struct {
	ServerTime time.Time `json:"server_time"`
}

// JobAssign delivers a claimed job to a robot.
type JobAssign struct {
	WorkflowName string            `json:"workflow_name"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Priority     int               `json:"priority"`
	RetryCount   int               `json:"retry_count"`
	Lease        time.Duration     `json:"lease"`
}

// JobReject declines an assignment (robot shutting down or overloaded).
type JobReject struct {
	Reason string `json:"reason"`
}

// JobProgress reports execution progress.
type JobProgress struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

// JobComplete reports success with an optional result document.
type JobComplete struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// JobFailed reports a failure and whether it is worth retrying.
type JobFailed struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// CancelAck confirms a cancellation request was honored.
type CancelAck struct {
	// Stopped is false if the job had already finished locally.
	Stopped bool `json:"stopped"`
}

// ── Constructors ────────────────────────────────────

// NewMessage creates a message of the given type with a marshaled payload.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	return &Message{
		ID:        GenerateMessageID(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewAck creates a response correlated to the given message.
func NewAck(correlTo *Message, msgType MessageType, payload any) (*Message, error) {
	m, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	m.CorrelID = correlTo.ID
	m.RobotID = correlTo.RobotID

	return m, nil
}

// NewErrorMessage creates an error response to a message.
func NewErrorMessage(correlID string, code int, message string) *Message {
	return &Message{
		ID:       GenerateMessageID(),
		Type:     MessageError,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// GenerateMessageID returns a new unique message ID.
// Uses a timestamp-based scheme for performance.
func GenerateMessageID() string {
	return time.Now().UTC().Format("20060102150405.000000000")
}
