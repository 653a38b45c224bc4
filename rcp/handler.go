package rcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/dlq"
	"github.com/omerlefaruk/CasareRPA-sub002/hook"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/resilience"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Handler processes messages arriving from registered robots and
// translates them into queue and registry operations. The queue is
// authoritative throughout: robot reports that conflict with queue
// ownership are dropped.
type Handler struct {
	queue    job.Queue
	registry *robot.Registry
	dlq      *dlq.Service
	hooks    *hook.Registry
	policy   resilience.RetryPolicy
	logger   *slog.Logger

	heartbeatInterval time.Duration
	leaseDuration     time.Duration
}

// NewHandler creates a message handler.
func NewHandler(
	queue job.Queue,
	registry *robot.Registry,
	dlqService *dlq.Service,
	hooks *hook.Registry,
	policy resilience.RetryPolicy,
	heartbeatInterval, leaseDuration time.Duration,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		queue:             queue,
		registry:          registry,
		dlq:               dlqService,
		hooks:             hooks,
		policy:            policy,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		leaseDuration:     leaseDuration,
	}
}

// Register processes a REGISTER request and returns the ack payload.
// Reconnecting robots keep their ID; the ack lists the jobs the queue
// still considers leased to them, so robot-side state is never trusted.
func (h *Handler) Register(ctx context.Context, req *RegisterRequest, identity *Identity) (*RegisterAck, *robot.Robot, error) {
	for _, env := range req.Environments {
		if !identity.AllowsEnvironment(env) {
			return nil, nil, ErrUnauthorized
		}
	}

	var robotID id.RobotID
	entity := casare.NewEntity()
	if req.RobotID != "" {
		parsed, err := id.ParseRobotID(req.RobotID)
		if err != nil {
			return nil, nil, err
		}
		robotID = parsed

		// A reconnect replaces the stale registration but keeps the
		// original registration time.
		prev, err := h.registry.Get(ctx, robotID)
		switch {
		case err == nil:
			entity = prev.Entity
			entity.Touch()
			if err := h.registry.Deregister(ctx, robotID); err != nil && !errors.Is(err, casare.ErrRobotNotFound) {
				return nil, nil, err
			}
		case !errors.Is(err, casare.ErrRobotNotFound):
			return nil, nil, err
		}
	} else {
		robotID = id.NewRobotID()
	}

	envs := req.Environments
	if len(envs) == 0 {
		envs = []string{robot.EnvironmentDefault}
	}

	capacity := req.Capacity
	if capacity <= 0 {
		capacity = 1
	}

	r := &robot.Robot{
		Entity:       entity,
		ID:           robotID,
		Name:         req.Name,
		Hostname:     req.Hostname,
		Environments: envs,
		Capacity:     capacity,
		LastSeen:     time.Now().UTC(),
		Metadata:     req.Metadata,
	}

	if err := h.registry.Register(ctx, r); err != nil {
		return nil, nil, err
	}

	owned, err := h.queue.ListJobsByState(ctx, job.StateRunning, job.ListOpts{RobotID: robotID})
	if err != nil {
		return nil, nil, err
	}

	ownedIDs := make([]string, len(owned))
	for i, j := range owned {
		ownedIDs[i] = j.ID.String()
	}

	h.hooks.EmitRobotOnline(ctx, r)

	ack := &RegisterAck{
		RobotID:           robotID.String(),
		SessionID:         GenerateMessageID(),
		HeartbeatInterval: h.heartbeatInterval,
		OwnedJobs:         ownedIDs,
	}

	return ack, r, nil
}

// HandleMessage dispatches a post-registration message from a robot.
// A reply is returned for message types that warrant one.
func (h *Handler) HandleMessage(ctx context.Context, conn *Conn, msg *Message) (*Message, error) {
	robotID, err := id.ParseRobotID(conn.RobotID)
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case MessageHeartbeat:
		return h.handleHeartbeat(ctx, robotID, msg)
	case MessageJobAccept:
		return nil, h.handleAccept(ctx, robotID, msg)
	case MessageJobReject:
		return nil, h.handleReject(ctx, robotID, msg)
	case MessageJobProgress:
		return nil, h.handleProgress(ctx, robotID, msg)
	case MessageJobComplete:
		return nil, h.handleComplete(ctx, robotID, msg)
	case MessageJobFailed:
		return nil, h.handleFailed(ctx, robotID, msg)
	case MessageCancelAck:
		return nil, h.handleCancelAck(ctx, robotID, msg)
	default:
		return NewErrorMessage(msg.ID, ErrCodeBadRequest, "unexpected message type "+string(msg.Type)), nil
	}
}

// handleHeartbeat records liveness and extends the leases of every job
// the robot reports as running. Jobs the queue no longer considers
// leased to this robot are silently skipped.
func (h *Handler) handleHeartbeat(ctx context.Context, robotID id.RobotID, msg *Message) (*Message, error) {
	var hb Heartbeat
	if err := json.Unmarshal(msg.Payload, &hb); err != nil {
		return NewErrorMessage(msg.ID, ErrCodeBadRequest, "bad heartbeat payload"), nil
	}

	if err := h.registry.Heartbeat(ctx, robotID, hb.ActiveJobs); err != nil {
		if errors.Is(err, casare.ErrRobotNotFound) {
			return NewErrorMessage(msg.ID, ErrCodeNotFound, "robot not registered"), nil
		}
		return nil, err
	}

	for _, rawID := range hb.JobIDs {
		jobID, err := id.ParseJobID(rawID)
		if err != nil {
			continue
		}

		ok, err := h.queue.ExtendLease(ctx, jobID, robotID, h.leaseDuration)
		if err != nil {
			return nil, err
		}
		if !ok {
			h.logger.Debug("heartbeat for unowned job ignored",
				slog.String("robot_id", robotID.String()),
				slog.String("job_id", rawID),
			)
		}
	}

	return NewAck(msg, MessageHeartbeatAck, HeartbeatAck{ServerTime: time.Now().UTC()})
}

// handleAccept confirms an assignment landed. The job is already
// running in the queue; acceptance just clears the dispatch reservation.
func (h *Handler) handleAccept(_ context.Context, robotID id.RobotID, msg *Message) error {
	h.registry.Unreserve(robotID, 1)

	h.logger.Debug("job accepted",
		slog.String("robot_id", robotID.String()),
		slog.String("job_id", msg.JobID),
	)

	return nil
}

// handleReject returns a declined assignment to the queue without
// consuming a retry.
func (h *Handler) handleReject(ctx context.Context, robotID id.RobotID, msg *Message) error {
	jobID, err := id.ParseJobID(msg.JobID)
	if err != nil {
		return err
	}

	h.registry.Unreserve(robotID, 1)

	ok, err := h.queue.Release(ctx, jobID, robotID)
	if err != nil {
		return err
	}
	if ok {
		var rej JobReject
		_ = json.Unmarshal(msg.Payload, &rej)

		h.logger.Info("job rejected, released back to queue",
			slog.String("robot_id", robotID.String()),
			slog.String("job_id", msg.JobID),
			slog.String("reason", rej.Reason),
		)
	}

	return nil
}

// handleProgress logs progress and refreshes the job's lease; an
// actively reporting robot should never lose its claim mid-run.
func (h *Handler) handleProgress(ctx context.Context, robotID id.RobotID, msg *Message) error {
	jobID, err := id.ParseJobID(msg.JobID)
	if err != nil {
		return err
	}

	var prog JobProgress
	if err := json.Unmarshal(msg.Payload, &prog); err != nil {
		return err
	}

	ok, err := h.queue.ExtendLease(ctx, jobID, robotID, h.leaseDuration)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	h.logger.Debug("job progress",
		slog.String("job_id", msg.JobID),
		slog.Int("percent", prog.Percent),
		slog.String("stage", prog.Stage),
	)

	return nil
}

// handleComplete finalizes a successful run.
func (h *Handler) handleComplete(ctx context.Context, robotID id.RobotID, msg *Message) error {
	jobID, err := id.ParseJobID(msg.JobID)
	if err != nil {
		return err
	}

	var body JobComplete
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return err
		}
	}

	ok, err := h.queue.Complete(ctx, jobID, robotID, body.Result)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Debug("stale completion ignored",
			slog.String("robot_id", robotID.String()),
			slog.String("job_id", msg.JobID),
		)
		return nil
	}

	j, err := h.queue.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	var elapsed time.Duration
	if j.StartedAt != nil && j.CompletedAt != nil {
		elapsed = j.CompletedAt.Sub(*j.StartedAt)
	}

	h.logger.Info("job completed",
		slog.String("job_id", msg.JobID),
		slog.String("workflow", j.WorkflowName),
		slog.Duration("elapsed", elapsed),
	)
	h.hooks.EmitJobCompleted(ctx, j, elapsed)

	return nil
}

// handleFailed applies retry-or-fail semantics to a reported failure.
func (h *Handler) handleFailed(ctx context.Context, robotID id.RobotID, msg *Message) error {
	jobID, err := id.ParseJobID(msg.JobID)
	if err != nil {
		return err
	}

	var body JobFailed
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return err
	}

	cur, err := h.queue.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	// The delay for the attempt this failure triggers.
	delay := h.policy.NextDelay(cur.RetryCount + 1)

	ok, err := h.queue.Fail(ctx, jobID, robotID, body.Error, body.Retryable, delay)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Debug("stale failure report ignored",
			slog.String("robot_id", robotID.String()),
			slog.String("job_id", msg.JobID),
		)
		return nil
	}

	j, err := h.queue.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	failErr := errors.New(body.Error)

	switch j.State {
	case job.StatePending:
		h.logger.Warn("job failed, requeued",
			slog.String("job_id", msg.JobID),
			slog.String("workflow", j.WorkflowName),
			slog.Int("retry_count", j.RetryCount),
			slog.String("error", body.Error),
		)
		h.hooks.EmitJobRequeued(ctx, j, j.RetryCount)

	case job.StateFailed:
		h.logger.Error("job failed terminally",
			slog.String("job_id", msg.JobID),
			slog.String("workflow", j.WorkflowName),
			slog.String("error", body.Error),
		)
		h.hooks.EmitJobFailed(ctx, j, failErr)

		if h.dlq != nil {
			if err := h.dlq.Push(ctx, j, failErr); err != nil {
				h.logger.Error("dlq push failed",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
			} else {
				h.hooks.EmitJobDeadLettered(ctx, j, failErr)
			}
		}
	}

	return nil
}

// handleCancelAck forwards a robot's cancellation acknowledgement to
// the hook registry. The dispatcher listens for it to finalize the
// cancel before its ack timeout fails the job into recovery.
func (h *Handler) handleCancelAck(ctx context.Context, robotID id.RobotID, msg *Message) error {
	var ack CancelAck
	_ = json.Unmarshal(msg.Payload, &ack)

	h.logger.Info("cancel acknowledged",
		slog.String("robot_id", robotID.String()),
		slog.String("job_id", msg.JobID),
		slog.Bool("stopped", ack.Stopped),
	)

	jobID, err := id.ParseJobID(msg.JobID)
	if err != nil {
		return fmt.Errorf("rcp: cancel ack: %w", err)
	}
	h.hooks.EmitCancelAcked(ctx, jobID, ack.Stopped)

	return nil
}
