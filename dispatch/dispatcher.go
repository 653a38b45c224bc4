package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/hook"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/rcp"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Transport delivers a message to a connected robot. Implemented by
// rcp.Server; a failed send means the robot cannot receive work right
// now (disconnected or degraded).
type Transport interface {
	Send(ctx context.Context, robotID string, msg *rcp.Message) error
}

// Dispatcher moves visible pending jobs onto eligible robots. It runs
// on its own timer, independent of the recovery sweep, and never holds
// a claim it cannot deliver: a failed send releases the job back to
// pending immediately.
type Dispatcher struct {
	queue     job.Queue
	registry  *robot.Registry
	hooks     *hook.Registry
	strategy  Strategy
	transport Transport
	limits    *Limits
	logger    *slog.Logger

	interval         time.Duration
	lease            time.Duration
	batchLimit       int
	cancelAckTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool
	stopping bool

	cancelMu       sync.Mutex
	pendingCancels map[string]chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithInterval sets how often the dispatch loop runs.
func WithInterval(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.interval = d }
}

// WithLease sets the lease duration granted on claim.
func WithLease(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.lease = d }
}

// WithStrategy sets the robot selection strategy.
func WithStrategy(s Strategy) Option {
	return func(dp *Dispatcher) { dp.strategy = s }
}

// WithBatchLimit caps how many jobs one pass may claim per environment.
func WithBatchLimit(n int) Option {
	return func(dp *Dispatcher) { dp.batchLimit = n }
}

// WithLimits sets per-environment dispatch limits.
func WithLimits(l *Limits) Option {
	return func(dp *Dispatcher) { dp.limits = l }
}

// WithCancelAckTimeout sets how long a cancellation waits for the
// robot's acknowledgement before the job is failed into recovery.
func WithCancelAckTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.cancelAckTimeout = d }
}

// New creates a dispatcher. The default strategy is round-robin.
func New(queue job.Queue, registry *robot.Registry, transport Transport, hooks *hook.Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	dp := &Dispatcher{
		queue:            queue,
		registry:         registry,
		hooks:            hooks,
		transport:        transport,
		strategy:         NewRoundRobin(),
		limits:           NewLimits(),
		logger:           logger,
		interval:         time.Second,
		lease:            2 * time.Minute,
		batchLimit:       32,
		cancelAckTimeout: 15 * time.Second,
		stopCh:           make(chan struct{}),
		pendingCancels:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(dp)
	}

	return dp
}

// Start launches the dispatch loop.
func (dp *Dispatcher) Start(ctx context.Context) error {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	if dp.running {
		return nil
	}
	dp.running = true

	dp.wg.Add(1)
	go dp.loop()

	dp.logger.Info("dispatcher started",
		"strategy", dp.strategy.Name(),
		"interval", dp.interval,
		"lease", dp.lease)

	return nil
}

// Stop halts the dispatch loop, waiting up to ctx for it to drain.
func (dp *Dispatcher) Stop(ctx context.Context) error {
	dp.mu.Lock()
	if !dp.running {
		dp.stopping = true
		dp.mu.Unlock()
		return nil
	}
	dp.running = false
	dp.stopping = true
	dp.mu.Unlock()

	close(dp.stopCh)

	done := make(chan struct{})
	go func() {
		dp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (dp *Dispatcher) loop() {
	defer dp.wg.Done()

	ticker := time.NewTicker(dp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-dp.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), dp.interval)
			if err := dp.Dispatch(ctx); err != nil {
				dp.logger.Error("dispatch pass failed", "error", err)
			}
			cancel()
		}
	}
}

// Dispatch runs one pass: for every environment with visible pending
// work, matches jobs to eligible robots and hands them off.
func (dp *Dispatcher) Dispatch(ctx context.Context) error {
	envs, err := dp.queue.PendingEnvironments(ctx)
	if err != nil {
		return err
	}

	for _, env := range envs {
		if err := dp.dispatchEnv(ctx, env); err != nil {
			dp.logger.Error("dispatch failed for environment",
				"environment", env,
				"error", err)
		}
	}

	return nil
}

func (dp *Dispatcher) dispatchEnv(ctx context.Context, env string) error {
	candidates, err := dp.registry.Eligible(ctx, env)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	// Backpressure: never claim more than the fleet can absorb.
	budget := 0
	for _, c := range candidates {
		budget += c.Spare
	}
	if budget > dp.batchLimit {
		budget = dp.batchLimit
	}

	jobs, err := dp.pendingJobs(ctx, env, budget)
	if err != nil {
		return err
	}

	for _, j := range jobs {
		if len(candidates) == 0 {
			break
		}

		if dp.limits != nil && !dp.limits.Acquire(env) {
			// Rate-limited; the job stays pending for the next pass.
			break
		}

		idx := dp.strategy.Select(j, candidates)
		chosen := candidates[idx]
		robotID := chosen.Robot.ID

		// Reserve before claiming so a concurrent pass sees the slot
		// as taken even though the robot has not heartbeated yet.
		dp.registry.Reserve(robotID, 1)

		claimed, err := dp.queue.Claim(ctx, job.ClaimOpts{
			Environment: env,
			RobotID:     robotID,
			JobID:       j.ID,
			Limit:       1,
			Lease:       dp.lease,
		})
		if err != nil {
			dp.registry.Unreserve(robotID, 1)
			dp.releaseLimit(env)
			return err
		}
		if len(claimed) == 0 {
			// Another dispatcher won the race, or the job was cancelled.
			dp.registry.Unreserve(robotID, 1)
			dp.releaseLimit(env)
			continue
		}

		if err := dp.deliver(ctx, claimed[0], robotID); err != nil {
			// No dangling lease: a job we cannot deliver goes straight
			// back to pending without consuming a retry.
			if _, relErr := dp.queue.Release(ctx, claimed[0].ID, robotID); relErr != nil {
				dp.logger.Error("release after failed send",
					"job_id", claimed[0].ID,
					"error", relErr)
			}
			dp.registry.Unreserve(robotID, 1)
			dp.releaseLimit(env)

			dp.logger.Warn("assignment undeliverable, job released",
				"job_id", claimed[0].ID,
				"robot_id", robotID,
				"error", err)

			// The connection is gone; stop routing to this robot.
			candidates = append(candidates[:idx], candidates[idx+1:]...)
			continue
		}

		dp.hooks.EmitJobAssigned(ctx, claimed[0])

		candidates[idx].Spare--
		if candidates[idx].Spare <= 0 {
			candidates = append(candidates[:idx], candidates[idx+1:]...)
		}
	}

	return nil
}

// pendingJobs returns up to limit visible pending jobs for the
// environment, ordered by priority then submission time.
func (dp *Dispatcher) pendingJobs(ctx context.Context, env string, limit int) ([]*job.Job, error) {
	all, err := dp.queue.ListJobsByState(ctx, job.StatePending, job.ListOpts{Environment: env})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	visible := all[:0]
	for _, j := range all {
		if !j.VisibleAfter.After(now) {
			visible = append(visible, j)
		}
	}

	sort.SliceStable(visible, func(i, k int) bool {
		if visible[i].Priority != visible[k].Priority {
			return visible[i].Priority > visible[k].Priority
		}
		return visible[i].CreatedAt.Before(visible[k].CreatedAt)
	})

	if limit > 0 && len(visible) > limit {
		visible = visible[:limit]
	}

	return visible, nil
}

func (dp *Dispatcher) deliver(ctx context.Context, j *job.Job, robotID id.RobotID) error {
	msg, err := rcp.NewMessage(rcp.MessageJobAssign, rcp.JobAssign{
		WorkflowName: j.WorkflowName,
		Payload:      j.Payload,
		Variables:    j.Variables,
		Priority:     j.Priority,
		RetryCount:   j.RetryCount,
		Lease:        dp.lease,
	})
	if err != nil {
		return err
	}
	msg.JobID = j.ID.String()
	msg.RobotID = robotID.String()

	return dp.transport.Send(ctx, robotID.String(), msg)
}

// Cancel requests cancellation of a job. Pending jobs are cancelled in
// the queue immediately. Running jobs are cancelled cooperatively: a
// JOB_CANCEL goes to the owning robot and the queue transition waits
// for the acknowledgement; if none arrives within the ack timeout, or
// the robot is unreachable, the job is failed with the ownership
// override and the standard recovery path owns it from there. The wait
// happens off the caller's goroutine, so issuing a cancel never stalls
// the orchestrator.
func (dp *Dispatcher) Cancel(ctx context.Context, jobID id.JobID) (bool, error) {
	j, err := dp.queue.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	if j.State != job.StateRunning || j.RobotID.IsNil() {
		ok, err := dp.queue.Cancel(ctx, jobID)
		if err != nil || !ok {
			return ok, err
		}
		dp.hooks.EmitJobCancelled(ctx, j)
		return true, nil
	}

	ownerID := j.RobotID

	msg, err := rcp.NewMessage(rcp.MessageJobCancel, nil)
	if err != nil {
		return false, err
	}
	msg.JobID = jobID.String()
	msg.RobotID = ownerID.String()

	ackCh := dp.registerCancel(jobID)

	if err := dp.transport.Send(ctx, ownerID.String(), msg); err != nil {
		dp.takeCancel(jobID)
		dp.logger.Warn("cancel signal not delivered",
			"job_id", jobID,
			"robot_id", ownerID,
			"error", err)
		dp.failUnacked(ctx, jobID, "cancel not delivered: robot unreachable")
		return true, nil
	}

	// The Add must not race the Wait in Stop. A cancel that arrives
	// mid-shutdown spawns no waiter; the lease-expiry sweep owns the job.
	dp.mu.Lock()
	if dp.stopping {
		dp.mu.Unlock()
		dp.takeCancel(jobID)
		return true, nil
	}
	dp.wg.Add(1)
	dp.mu.Unlock()

	go dp.awaitCancelAck(jobID, j, ackCh)

	return true, nil
}

// awaitCancelAck finalizes a cooperative cancel: the queue transition
// happens on ack, a missing ack fails the job into recovery, and a
// shutdown leaves the job leased for the lease-expiry sweep.
func (dp *Dispatcher) awaitCancelAck(jobID id.JobID, j *job.Job, ackCh chan struct{}) {
	defer dp.wg.Done()

	timer := time.NewTimer(dp.cancelAckTimeout)
	defer timer.Stop()

	select {
	case <-ackCh:
		ctx, cancel := context.WithTimeout(context.Background(), dp.cancelAckTimeout)
		defer cancel()
		ok, err := dp.queue.Cancel(ctx, jobID)
		if err != nil {
			dp.logger.Error("cancel after ack failed", "job_id", jobID, "error", err)
			return
		}
		if ok {
			dp.hooks.EmitJobCancelled(ctx, j)
		}
	case <-timer.C:
		if _, pending := dp.takeCancel(jobID); !pending {
			// Ack won the race against the timer.
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), dp.cancelAckTimeout)
		defer cancel()
		dp.failUnacked(ctx, jobID, "cancel unacknowledged within timeout")
	case <-dp.stopCh:
		dp.takeCancel(jobID)
	}
}

// failUnacked fails a job whose robot never confirmed the cancel. The
// retryable failure routes it through the standard retry-or-terminal
// logic with the nil-robot ownership override.
func (dp *Dispatcher) failUnacked(ctx context.Context, jobID id.JobID, reason string) {
	ok, err := dp.queue.Fail(ctx, jobID, id.Nil, reason, true, 0)
	if err != nil {
		dp.logger.Error("fail after unacked cancel", "job_id", jobID, "error", err)
		return
	}
	if !ok {
		// The robot reported a terminal state in the meantime.
		return
	}

	j, err := dp.queue.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	switch j.State {
	case job.StatePending:
		dp.hooks.EmitJobRequeued(ctx, j, j.RetryCount)
	case job.StateFailed:
		dp.hooks.EmitJobFailed(ctx, j, errors.New(reason))
	}
}

// registerCancel records an in-flight cancel and returns the channel
// closed when the robot acknowledges.
func (dp *Dispatcher) registerCancel(jobID id.JobID) chan struct{} {
	ch := make(chan struct{})
	dp.cancelMu.Lock()
	dp.pendingCancels[jobID.String()] = ch
	dp.cancelMu.Unlock()
	return ch
}

// takeCancel removes and returns the pending cancel entry, if any.
func (dp *Dispatcher) takeCancel(jobID id.JobID) (chan struct{}, bool) {
	dp.cancelMu.Lock()
	defer dp.cancelMu.Unlock()
	ch, ok := dp.pendingCancels[jobID.String()]
	if ok {
		delete(dp.pendingCancels, jobID.String())
	}
	return ch, ok
}

// OnCancelAcked resolves an in-flight cooperative cancel when the
// robot's acknowledgement arrives through the protocol handler.
func (dp *Dispatcher) OnCancelAcked(_ context.Context, jobID id.JobID, _ bool) error {
	if ch, ok := dp.takeCancel(jobID); ok {
		close(ch)
	}
	return nil
}

func (dp *Dispatcher) releaseLimit(env string) {
	if dp.limits != nil {
		dp.limits.Release(env)
	}
}

// ── Limit release hooks ────────────────────────────────────

// The dispatcher frees an environment's in-flight slot whenever a job
// it dispatched reaches a settled state. Register it in the hook
// registry alongside the other extensions.

func (dp *Dispatcher) Name() string { return "dispatch-limits" }

func (dp *Dispatcher) OnJobCompleted(_ context.Context, j *job.Job, _ time.Duration) error {
	dp.releaseLimit(j.Environment)
	return nil
}

func (dp *Dispatcher) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	dp.releaseLimit(j.Environment)
	return nil
}

func (dp *Dispatcher) OnJobRequeued(_ context.Context, j *job.Job, _ int) error {
	dp.releaseLimit(j.Environment)
	return nil
}

func (dp *Dispatcher) OnJobCancelled(_ context.Context, j *job.Job) error {
	dp.releaseLimit(j.Environment)
	return nil
}
