package rcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omerlefaruk/CasareRPA-sub002/resilience"
)

// Assignment is a job delivered to the robot.
type Assignment struct {
	JobID        string
	WorkflowName string
	Payload      json.RawMessage
	Variables    map[string]string
	RetryCount   int
}

// JobRunner executes an assignment on the robot. The context is
// cancelled when the orchestrator cancels the job or the client shuts
// down. Wrap errors with resilience.Permanent to suppress retries.
type JobRunner func(ctx context.Context, a *Assignment) ([]byte, error)

// Client is the robot side of the protocol. It maintains the
// connection, registers, heartbeats, executes assignments through the
// JobRunner, and reconnects with exponential backoff when the link
// drops.
type Client struct {
	url          string
	token        string
	name         string
	hostname     string
	capacity     int
	environments []string
	format       string
	runner       JobRunner
	logger       *slog.Logger

	heartbeatInterval time.Duration
	reconnectBackoff  time.Duration
	maxReconnect      time.Duration

	mu      sync.RWMutex
	conn    net.Conn
	codec   Codec
	robotID string
	closed  bool

	writeMu sync.Mutex

	// active tracks running assignments by job ID.
	active   map[string]context.CancelFunc
	activeMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientName sets the robot's display name.
func WithClientName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithHostname sets the reported hostname.
func WithHostname(h string) ClientOption {
	return func(c *Client) { c.hostname = h }
}

// WithCapacity sets how many jobs run concurrently (default 1).
func WithCapacity(n int) ClientOption {
	return func(c *Client) { c.capacity = n }
}

// WithEnvironments sets the environments the robot serves.
func WithEnvironments(envs ...string) ClientOption {
	return func(c *Client) { c.environments = envs }
}

// WithToken sets the fleet registration token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithFormat requests a wire format ("json" or "msgpack").
func WithFormat(format string) ClientOption {
	return func(c *Client) { c.format = format }
}

// WithClientLogger sets the structured logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientHeartbeatInterval overrides the default heartbeat cadence.
// The server's RegisterAck value wins when set.
func WithClientHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithReconnectBackoff sets the initial and maximum reconnect delays.
func WithReconnectBackoff(initial, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectBackoff = initial
		c.maxReconnect = maxDelay
	}
}

// NewClient creates a robot client for the given orchestrator URL
// (e.g. "ws://orchestrator:8742/rcp").
func NewClient(url string, runner JobRunner, opts ...ClientOption) *Client {
	c := &Client{
		url:               url,
		runner:            runner,
		name:              "robot",
		capacity:          1,
		logger:            slog.Default(),
		heartbeatInterval: 10 * time.Second,
		reconnectBackoff:  time.Second,
		maxReconnect:      time.Minute,
		active:            make(map[string]context.CancelFunc),
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RobotID returns the orchestrator-assigned identity, valid after the
// first successful registration.
func (c *Client) RobotID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.robotID
}

// Start connects, registers, and launches the read and heartbeat
// loops. It returns once the first registration completes.
func (c *Client) Start(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()

	return nil
}

// Stop cancels active assignments and closes the connection.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.stopCh)

	c.activeMu.Lock()
	for _, cancel := range c.active {
		cancel()
	}
	c.activeMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect dials and runs the registration handshake.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("rcp: dial %q: %w", c.url, err)
	}

	req := RegisterRequest{
		RobotID:      c.RobotID(), // empty on first connect
		Name:         c.name,
		Hostname:     c.hostname,
		Capacity:     c.capacity,
		Environments: c.environments,
		Token:        c.token,
		Format:       c.format,
	}

	msg, err := NewMessage(MessageRegister, req)
	if err != nil {
		conn.Close()
		return err
	}

	jsonCodec := &JSONCodec{}

	data, err := jsonCodec.Encode(msg)
	if err != nil {
		conn.Close()
		return err
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpBinary, data); err != nil {
		conn.Close()
		return fmt.Errorf("rcp: register write: %w", err)
	}

	raw, err := wsutil.ReadServerBinary(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("rcp: register read: %w", err)
	}

	reply, err := jsonCodec.Decode(raw)
	if err != nil {
		conn.Close()
		return err
	}

	if reply.Type == MessageError {
		conn.Close()
		detail := "registration rejected"
		if reply.Error != nil {
			detail = reply.Error.Message
		}
		return fmt.Errorf("rcp: %s", detail)
	}
	if reply.Type != MessageRegisterAck {
		conn.Close()
		return fmt.Errorf("rcp: unexpected reply %s", reply.Type)
	}

	var ack RegisterAck
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.robotID = ack.RobotID
	c.codec = GetCodec(ack.Format)
	if ack.HeartbeatInterval > 0 {
		c.heartbeatInterval = ack.HeartbeatInterval
	}
	c.mu.Unlock()

	// Reconcile: drop local work the orchestrator no longer credits us
	// with. The queue has already reassigned or requeued those jobs.
	owned := make(map[string]struct{}, len(ack.OwnedJobs))
	for _, jid := range ack.OwnedJobs {
		owned[jid] = struct{}{}
	}

	c.activeMu.Lock()
	for jid, cancel := range c.active {
		if _, ok := owned[jid]; !ok {
			c.logger.Warn("dropping job no longer leased to this robot",
				slog.String("job_id", jid))
			cancel()
		}
	}
	c.activeMu.Unlock()

	c.logger.Info("registered with orchestrator",
		slog.String("robot_id", ack.RobotID),
		slog.String("format", ack.Format),
		slog.Duration("heartbeat_interval", c.heartbeatInterval),
	)

	return nil
}

// send encodes and writes a message on the current connection.
func (c *Client) send(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	codec := c.codec
	robotID := c.robotID
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("rcp: not connected")
	}

	msg.RobotID = robotID

	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return wsutil.WriteClientMessage(conn, ws.OpBinary, data)
}

// readLoop pumps messages from the orchestrator, reconnecting on error.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.RLock()
		conn := c.conn
		codec := c.codec
		closed := c.closed
		c.mu.RUnlock()

		if closed {
			return
		}

		raw, err := wsutil.ReadServerBinary(conn)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}

			c.logger.Warn("connection lost", slog.String("error", err.Error()))
			if !c.reconnect() {
				return
			}
			continue
		}

		msg, err := codec.Decode(raw)
		if err != nil {
			c.logger.Warn("bad message", slog.String("error", err.Error()))
			continue
		}

		c.handleMessage(msg)
	}
}

// reconnect retries the connection with doubling backoff and full
// jitter, capped at maxReconnect. Returns false when the client is
// stopping.
func (c *Client) reconnect() bool {
	backoff := c.reconnectBackoff

	for {
		delay := time.Duration(rand.Float64() * float64(backoff)) //nolint:gosec // jitter only

		select {
		case <-c.stopCh:
			return false
		case <-time.After(delay):
		}

		c.logger.Info("reconnecting", slog.Duration("backoff", backoff))

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("reconnect failed", slog.String("error", err.Error()))
			backoff = min(backoff*2, c.maxReconnect)
			continue
		}

		return true
	}
}

// handleMessage routes an orchestrator message.
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageJobAssign:
		c.handleAssign(msg)
	case MessageJobCancel:
		c.handleCancel(msg)
	case MessageHeartbeatAck, MessageRegisterAck:
		// Liveness only.
	case MessageError:
		if msg.Error != nil {
			c.logger.Warn("orchestrator error",
				slog.Int("code", msg.Error.Code),
				slog.String("message", msg.Error.Message),
			)
		}
	default:
		c.logger.Debug("unexpected message", slog.String("type", string(msg.Type)))
	}
}

// handleAssign accepts or rejects an assignment and runs it.
func (c *Client) handleAssign(msg *Message) {
	var assign JobAssign
	if err := json.Unmarshal(msg.Payload, &assign); err != nil {
		c.logger.Warn("bad assignment payload", slog.String("error", err.Error()))
		return
	}

	c.activeMu.Lock()
	if len(c.active) >= c.capacity {
		c.activeMu.Unlock()
		c.sendJobMessage(MessageJobReject, msg.JobID, JobReject{Reason: "at capacity"})
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.active[msg.JobID] = cancel
	c.activeMu.Unlock()

	c.sendJobMessage(MessageJobAccept, msg.JobID, nil)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.activeMu.Lock()
			delete(c.active, msg.JobID)
			c.activeMu.Unlock()
			cancel()
		}()

		c.execute(runCtx, msg.JobID, &assign)
	}()
}

// execute runs an assignment through the JobRunner and reports the
// outcome.
func (c *Client) execute(ctx context.Context, jobID string, assign *JobAssign) {
	a := &Assignment{
		JobID:        jobID,
		WorkflowName: assign.WorkflowName,
		Payload:      assign.Payload,
		Variables:    assign.Variables,
		RetryCount:   assign.RetryCount,
	}

	c.logger.Info("job started",
		slog.String("job_id", jobID),
		slog.String("workflow", assign.WorkflowName),
	)

	result, err := c.runner(ctx, a)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by the orchestrator; the ack already went out.
			return
		}

		c.logger.Warn("job failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.sendJobMessage(MessageJobFailed, jobID, JobFailed{
			Error:     err.Error(),
			Retryable: resilience.IsRetryable(err),
		})
		return
	}

	c.logger.Info("job completed", slog.String("job_id", jobID))
	c.sendJobMessage(MessageJobComplete, jobID, JobComplete{Result: result})
}

// handleCancel stops a running assignment and acknowledges.
func (c *Client) handleCancel(msg *Message) {
	c.activeMu.Lock()
	cancel, ok := c.active[msg.JobID]
	if ok {
		delete(c.active, msg.JobID)
	}
	c.activeMu.Unlock()

	if ok {
		cancel()
	}

	c.sendJobMessage(MessageCancelAck, msg.JobID, CancelAck{Stopped: ok})
}

// heartbeatLoop reports liveness and active job IDs.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	for {
		c.mu.RLock()
		interval := c.heartbeatInterval
		c.mu.RUnlock()

		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}

		c.activeMu.Lock()
		jobIDs := make([]string, 0, len(c.active))
		for jid := range c.active {
			jobIDs = append(jobIDs, jid)
		}
		c.activeMu.Unlock()

		hb, err := NewMessage(MessageHeartbeat, Heartbeat{
			ActiveJobs: len(jobIDs),
			JobIDs:     jobIDs,
		})
		if err != nil {
			continue
		}

		if err := c.send(hb); err != nil {
			c.logger.Debug("heartbeat send failed", slog.String("error", err.Error()))
		}
	}
}

// sendJobMessage sends a job-scoped message, logging failures. A lost
// report is recovered by the lease sweep on the orchestrator side.
func (c *Client) sendJobMessage(msgType MessageType, jobID string, payload any) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		c.logger.Error("encode failed", slog.String("error", err.Error()))
		return
	}
	msg.JobID = jobID

	if err := c.send(msg); err != nil {
		c.logger.Warn("send failed",
			slog.String("type", string(msgType)),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
