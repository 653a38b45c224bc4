// Package resilience provides failure classification, retry policies,
// and the background recovery manager that keeps the fleet healthy
// through robot crashes and network partitions.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/dlq"
	"github.com/omerlefaruk/CasareRPA-sub002/hook"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Manager runs the recovery sweeps: expired job leases are requeued or
// failed, and robots that stopped heartbeating are announced offline.
// A sweep error is logged and retried next tick, never fatal.
type Manager struct {
	queue    job.Queue
	registry *robot.Registry
	dlq      *dlq.Service
	hooks    *hook.Registry
	logger   *slog.Logger

	policy        RetryPolicy
	sweepInterval time.Duration
	robotTimeout  time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// offline tracks robots already announced, keyed by ID with the
	// LastSeen at announcement. A fresh heartbeat changes LastSeen, so
	// a robot that recovers and goes silent again is announced again.
	offlineMu sync.Mutex
	offline   map[string]time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSweepInterval sets how often recovery sweeps run.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithRobotTimeout sets how long a robot may stay silent before it is
// declared dead and announced offline.
func WithRobotTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.robotTimeout = d }
}

// WithRetryPolicy sets the policy used to requeue expired leases.
func WithRetryPolicy(p RetryPolicy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// NewManager creates a recovery manager.
func NewManager(
	queue job.Queue,
	registry *robot.Registry,
	dlqService *dlq.Service,
	hooks *hook.Registry,
	logger *slog.Logger,
	opts ...ManagerOption,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		queue:         queue,
		registry:      registry,
		dlq:           dlqService,
		hooks:         hooks,
		logger:        logger,
		policy:        DefaultRetryPolicy(),
		sweepInterval: 5 * time.Second,
		robotTimeout:  30 * time.Second,
		stopCh:        make(chan struct{}),
		offline:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start launches the sweep loops. It returns immediately.
func (m *Manager) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true

	m.logger.Info("resilience manager starting",
		slog.Duration("sweep_interval", m.sweepInterval),
		slog.Duration("robot_timeout", m.robotTimeout),
	)

	m.wg.Add(2)
	go m.sweepLoop()
	go m.robotReapLoop()

	return nil
}

// Stop signals the loops to stop and waits for them to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweepLoop periodically recovers jobs with expired leases.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.SweepExpiredLeases(context.Background()); err != nil {
				m.logger.Error("lease sweep error", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepExpiredLeases runs one recovery pass. Expired running jobs go
// back to pending with backoff, or to failed (and the DLQ) when their
// retry budget is spent. The queue makes the sweep idempotent, so
// running it concurrently from several orchestrator instances is safe.
func (m *Manager) SweepExpiredLeases(ctx context.Context) error {
	recovered, err := m.queue.RecoverExpired(ctx, m.policy.RequeuePolicy())
	if err != nil {
		return err
	}

	for _, j := range recovered {
		switch j.State {
		case job.StatePending:
			m.logger.Warn("lease expired, job requeued",
				slog.String("job_id", j.ID.String()),
				slog.String("workflow", j.WorkflowName),
				slog.Int("retry_count", j.RetryCount),
			)
			m.hooks.EmitJobRequeued(ctx, j, j.RetryCount)

		case job.StateFailed:
			m.logger.Error("lease expired, retries exhausted",
				slog.String("job_id", j.ID.String()),
				slog.String("workflow", j.WorkflowName),
			)

			failErr := errors.New(j.LastError)
			m.hooks.EmitJobFailed(ctx, j, failErr)
			m.pushDLQ(ctx, j, failErr)
		}
	}

	return nil
}

// robotReapLoop periodically announces robots that stopped heartbeating.
func (m *Manager) robotReapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.ReapDeadRobots(context.Background()); err != nil {
				m.logger.Error("robot reap error", slog.String("error", err.Error()))
			}
		}
	}
}

// ReapDeadRobots runs one failover pass: robots silent past the timeout
// are announced offline. The registry record stays, so the robot keeps
// its identity when it resumes heartbeating; derived status already
// hides it from dispatch in the meantime. Its in-flight jobs are not
// touched here; the lease sweep reclaims them when the leases expire.
func (m *Manager) ReapDeadRobots(ctx context.Context) error {
	stale, err := m.registry.ReapStale(ctx, m.robotTimeout)
	if err != nil {
		return err
	}

	m.offlineMu.Lock()
	announce := make([]*robot.Robot, 0, len(stale))
	next := make(map[string]time.Time, len(stale))
	for _, r := range stale {
		key := r.ID.String()
		if seen, ok := m.offline[key]; !ok || !seen.Equal(r.LastSeen) {
			announce = append(announce, r)
		}
		next[key] = r.LastSeen
	}
	m.offline = next
	m.offlineMu.Unlock()

	for _, r := range announce {
		m.logger.Warn("robot missed heartbeats, marking offline",
			slog.String("robot_id", r.ID.String()),
			slog.String("name", r.Name),
			slog.Time("last_seen", r.LastSeen),
		)

		m.hooks.EmitRobotOffline(ctx, r)
	}

	return nil
}

// pushDLQ moves a terminally failed job to the dead letter queue.
func (m *Manager) pushDLQ(ctx context.Context, j *job.Job, jobErr error) {
	if m.dlq == nil {
		return
	}

	if err := m.dlq.Push(ctx, j, jobErr); err != nil {
		m.logger.Error("dlq push failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	m.hooks.EmitJobDeadLettered(ctx, j, jobErr)
}
