package robot

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/id"
)

// Registry wraps a Store with availability tracking for the dispatcher.
//
// The robot-reported ActiveJobs count only refreshes on heartbeat, so
// the Registry layers an in-memory reservation count on top: each
// dispatched job reserves a slot immediately and releases it when the
// next heartbeat folds the job into ActiveJobs (or the dispatch fails).
// Without the reservations a burst of pending jobs would all land on
// the same robot between two heartbeats.
type Registry struct {
	store            Store
	logger           *slog.Logger
	heartbeatTimeout time.Duration

	mu       sync.Mutex
	reserved map[id.RobotID]int
}

// NewRegistry creates a registry over the given store. heartbeatTimeout
// is how long a robot may stay silent before it is considered offline.
func NewRegistry(store Store, heartbeatTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		store:            store,
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		reserved:         make(map[id.RobotID]int),
	}
}

// Register adds a robot and clears any stale reservations for its ID.
func (g *Registry) Register(ctx context.Context, r *Robot) error {
	if err := g.store.Register(ctx, r); err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.reserved, r.ID)
	g.mu.Unlock()

	g.logger.Info("robot registered",
		"robot_id", r.ID,
		"name", r.Name,
		"capacity", r.Capacity,
		"environments", r.Environments)

	return nil
}

// Deregister removes a robot and its reservations.
func (g *Registry) Deregister(ctx context.Context, robotID id.RobotID) error {
	if err := g.store.Deregister(ctx, robotID); err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.reserved, robotID)
	g.mu.Unlock()

	g.logger.Info("robot deregistered", "robot_id", robotID)

	return nil
}

// Heartbeat records the robot's report. The reported ActiveJobs count
// supersedes the reservations made since the last report.
func (g *Registry) Heartbeat(ctx context.Context, robotID id.RobotID, activeJobs int) error {
	if err := g.store.Heartbeat(ctx, robotID, activeJobs); err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.reserved, robotID)
	g.mu.Unlock()

	return nil
}

// Get retrieves a robot by ID.
func (g *Registry) Get(ctx context.Context, robotID id.RobotID) (*Robot, error) {
	return g.store.Get(ctx, robotID)
}

// List returns all registered robots.
func (g *Registry) List(ctx context.Context) ([]*Robot, error) {
	return g.store.List(ctx)
}

// ReapStale returns robots silent for longer than the threshold.
func (g *Registry) ReapStale(ctx context.Context, threshold time.Duration) ([]*Robot, error) {
	return g.store.ReapStale(ctx, threshold)
}

// Reserve consumes n dispatch slots on the robot.
func (g *Registry) Reserve(robotID id.RobotID, n int) {
	g.mu.Lock()
	g.reserved[robotID] += n
	g.mu.Unlock()
}

// Unreserve returns n dispatch slots, e.g. after a failed send.
func (g *Registry) Unreserve(robotID id.RobotID, n int) {
	g.mu.Lock()
	g.reserved[robotID] -= n
	if g.reserved[robotID] <= 0 {
		delete(g.reserved, robotID)
	}
	g.mu.Unlock()
}

// Candidate is a robot eligible for dispatch along with its effective
// spare capacity (store capacity minus unacknowledged reservations).
type Candidate struct {
	Robot *Robot
	Spare int
}

// Eligible returns the robots that are online, match the environment,
// and have spare capacity after reservations. Results are sorted by
// robot ID so strategies see a stable order.
func (g *Registry) Eligible(ctx context.Context, env string) ([]Candidate, error) {
	robots, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	candidates := make([]Candidate, 0, len(robots))

	for _, r := range robots {
		if DeriveStatus(r, now, g.heartbeatTimeout) != StatusOnline {
			continue
		}

		if !Matches(env, r.Environments) {
			continue
		}

		spare := r.SpareCapacity() - g.reserved[r.ID]
		if spare <= 0 {
			continue
		}

		candidates = append(candidates, Candidate{Robot: r, Spare: spare})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Robot.ID.String() < candidates[j].Robot.ID.String()
	})

	return candidates, nil
}
