// Package memory provides a fully in-memory store.Store implementation.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/dlq"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Queue   = (*Store)(nil)
	_ robot.Store = (*Store)(nil)
	_ dlq.Store   = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs   map[string]*job.Job
	robots map[string]*robot.Robot
	dlqs   map[string]*dlq.Entry

	// seq orders jobs with equal priority by submission.
	seq    uint64
	jobSeq map[string]uint64
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*job.Job),
		robots: make(map[string]*robot.Robot),
		dlqs:   make(map[string]*dlq.Entry),
		jobSeq: make(map[string]uint64),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Queue
// ──────────────────────────────────────────────────

// Submit persists a new job in pending state.
func (m *Store) Submit(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return casare.ErrJobAlreadyExists
	}

	if j.DedupKey != "" {
		for _, existing := range m.jobs {
			if existing.DedupKey == j.DedupKey && !existing.State.Terminal() {
				return casare.ErrJobAlreadyExists
			}
		}
	}

	cp := *j
	m.seq++
	m.jobSeq[key] = m.seq
	m.jobs[key] = &cp

	return nil
}

// envMatches mirrors the claim environment rule: "default" is a
// wildcard on both the job and the robot side.
func envMatches(jobEnv, claimEnv string) bool {
	if claimEnv == "" || claimEnv == robot.EnvironmentDefault {
		return true
	}
	return jobEnv == claimEnv || jobEnv == robot.EnvironmentDefault
}

// Claim atomically moves up to opts.Limit visible pending jobs to
// running and leases them to opts.RobotID.
func (m *Store) Claim(_ context.Context, opts job.ClaimOpts) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != job.StatePending {
			continue
		}
		if j.VisibleAfter.After(now) {
			continue
		}
		if !envMatches(j.Environment, opts.Environment) {
			continue
		}
		if !opts.JobID.IsNil() && j.ID != opts.JobID {
			continue
		}
		candidates = append(candidates, j)
	}

	// Sort: priority DESC, submission order ASC.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return m.jobSeq[candidates[i].ID.String()] < m.jobSeq[candidates[k].ID.String()]
	})

	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.State = job.StateRunning
		j.RobotID = opts.RobotID
		n := now
		j.StartedAt = &n
		// While running, VisibleAfter doubles as the lease expiry.
		j.VisibleAfter = now.Add(opts.Lease)
		j.UpdatedAt = now

		// Return a copy so callers can mutate without racing with the store.
		cp := *j
		result[i] = &cp
	}

	return result, nil
}

// leased returns the job if it is running and held by robotID.
func (m *Store) leased(jobID id.JobID, robotID id.RobotID) (*job.Job, bool) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, false
	}
	if j.State != job.StateRunning || j.RobotID != robotID {
		return nil, false
	}
	return j, true
}

// ExtendLease pushes the lease expiry forward by extra.
func (m *Store) ExtendLease(_ context.Context, jobID id.JobID, robotID id.RobotID, extra time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.leased(jobID, robotID)
	if !ok {
		return false, nil
	}

	j.VisibleAfter = time.Now().UTC().Add(extra)
	j.UpdatedAt = time.Now().UTC()

	return true, nil
}

// Complete marks a running job completed and records its result.
func (m *Store) Complete(_ context.Context, jobID id.JobID, robotID id.RobotID, result []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.leased(jobID, robotID)
	if !ok {
		return false, nil
	}

	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.Result = result
	j.CompletedAt = &now
	j.UpdatedAt = now

	return true, nil
}

// Fail records a failure: requeue with delay while the budget lasts and
// the error is retryable, otherwise terminal failed. A nil robotID
// skips the ownership check (orchestrator-initiated failure).
func (m *Store) Fail(_ context.Context, jobID id.JobID, robotID id.RobotID, errMsg string, retryable bool, retryDelay time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.State != job.StateRunning {
		return false, nil
	}
	if !robotID.IsNil() && j.RobotID != robotID {
		return false, nil
	}

	now := time.Now().UTC()
	j.LastError = errMsg
	j.UpdatedAt = now

	if retryable && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.State = job.StatePending
		j.RobotID = id.Nil
		j.StartedAt = nil
		j.VisibleAfter = now.Add(retryDelay)
	} else {
		j.State = job.StateFailed
		j.CompletedAt = &now
	}

	return true, nil
}

// Release returns a running job to pending immediately without
// consuming a retry.
func (m *Store) Release(_ context.Context, jobID id.JobID, robotID id.RobotID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.leased(jobID, robotID)
	if !ok {
		return false, nil
	}

	now := time.Now().UTC()
	j.State = job.StatePending
	j.RobotID = id.Nil
	j.StartedAt = nil
	j.VisibleAfter = now
	j.UpdatedAt = now

	return true, nil
}

// Cancel cancels a pending or running job.
func (m *Store) Cancel(_ context.Context, jobID id.JobID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return false, casare.ErrJobNotFound
	}

	if !job.CanTransition(j.State, job.StateCancelled) {
		return false, nil
	}

	now := time.Now().UTC()
	j.State = job.StateCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now

	return true, nil
}

// RecoverExpired requeues running jobs whose lease has expired,
// applying the policy's backoff, or fails them when the budget is spent.
func (m *Store) RecoverExpired(_ context.Context, policy job.RequeuePolicy) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	var recovered []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateRunning {
			continue
		}
		if j.VisibleAfter.After(now) {
			continue
		}

		j.UpdatedAt = now

		if j.RetryCount < j.MaxRetries {
			j.RetryCount++
			j.State = job.StatePending
			j.RobotID = id.Nil
			j.StartedAt = nil
			j.VisibleAfter = now.Add(policy.DelayFor(j.RetryCount - 1))
		} else {
			j.State = job.StateFailed
			if j.LastError == "" {
				j.LastError = "lease expired: robot stopped responding"
			}
			j.CompletedAt = &now
		}

		cp := *j
		recovered = append(recovered, &cp)
	}

	return recovered, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, casare.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ListJobsByState returns jobs matching the given state.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.Environment != "" && j.Environment != opts.Environment {
			continue
		}
		if !opts.RobotID.IsNil() && j.RobotID != opts.RobotID {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// Sort by submission order for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return m.jobSeq[result[i].ID.String()] < m.jobSeq[result[k].ID.String()]
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Environment != "" && j.Environment != opts.Environment {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// PendingEnvironments returns the distinct environments with visible
// pending jobs.
func (m *Store) PendingEnvironments(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	seen := make(map[string]struct{})
	for _, j := range m.jobs {
		if j.State != job.StatePending || j.VisibleAfter.After(now) {
			continue
		}
		seen[j.Environment] = struct{}{}
	}

	envs := make([]string, 0, len(seen))
	for env := range seen {
		envs = append(envs, env)
	}
	sort.Strings(envs)

	return envs, nil
}

// ──────────────────────────────────────────────────
// Robot Store
// ──────────────────────────────────────────────────

// Register adds a robot to the registry.
func (m *Store) Register(_ context.Context, r *robot.Robot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.robots[key]; exists {
		return casare.ErrRobotAlreadyExists
	}

	cp := *r
	if cp.LastSeen.IsZero() {
		cp.LastSeen = time.Now().UTC()
	}
	m.robots[key] = &cp

	return nil
}

// Deregister removes a robot from the registry.
func (m *Store) Deregister(_ context.Context, robotID id.RobotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := robotID.String()
	if _, ok := m.robots[key]; !ok {
		return casare.ErrRobotNotFound
	}
	delete(m.robots, key)

	return nil
}

// Heartbeat updates the last-seen timestamp and active job count.
func (m *Store) Heartbeat(_ context.Context, robotID id.RobotID, activeJobs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.robots[robotID.String()]
	if !ok {
		return casare.ErrRobotNotFound
	}

	r.LastSeen = time.Now().UTC()
	r.ActiveJobs = activeJobs
	r.UpdatedAt = r.LastSeen

	return nil
}

// Get retrieves a robot by ID.
func (m *Store) Get(_ context.Context, robotID id.RobotID) (*robot.Robot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.robots[robotID.String()]
	if !ok {
		return nil, casare.ErrRobotNotFound
	}
	cp := *r
	return &cp, nil
}

// List returns all registered robots.
func (m *Store) List(_ context.Context) ([]*robot.Robot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*robot.Robot, 0, len(m.robots))
	for _, r := range m.robots {
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].ID.String() < result[k].ID.String()
	})

	return result, nil
}

// ReapStale returns robots whose last heartbeat is older than the
// given threshold.
func (m *Store) ReapStale(_ context.Context, threshold time.Duration) ([]*robot.Robot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var stale []*robot.Robot
	for _, r := range m.robots {
		if r.LastSeen.Before(cutoff) {
			cp := *r
			stale = append(stale, &cp)
		}
	}

	return stale, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds a failed job entry to the dead letter queue.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp

	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.Environment != "" && e.Environment != opts.Environment {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, casare.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return casare.ErrDLQNotFound
	}

	now := time.Now().UTC()
	e.ReplayedAt = &now

	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			removed++
		}
	}

	return removed, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.dlqs)), nil
}
