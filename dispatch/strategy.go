package dispatch

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Metadata keys consulted by the Affinity strategy.
const (
	// AffinityKey on a job names the tag a robot should carry.
	AffinityKey = "affinity"
	// TagsKey on a robot holds its comma-separated tags.
	TagsKey = "tags"
)

// Strategy picks the robot a job is dispatched to. Candidates are
// already filtered to online, environment-matching robots with spare
// capacity; the slice is sorted by robot ID and never empty.
//
// Implementations may keep internal state (rotation counters) and must
// be safe for concurrent use.
type Strategy interface {
	// Select returns the chosen candidate's index.
	Select(j *job.Job, candidates []robot.Candidate) int
	// Name identifies the strategy in configuration and logs.
	Name() string
}

// ForName returns the strategy registered under name.
func ForName(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "", "round_robin", "roundrobin":
		return NewRoundRobin(), nil
	case "least_loaded", "leastloaded":
		return &LeastLoaded{}, nil
	case "random":
		return &Random{}, nil
	case "affinity":
		return &Affinity{}, nil
	default:
		return nil, fmt.Errorf("casare: unknown dispatch strategy %q", name)
	}
}

// ── RoundRobin ────────────────────────────────────

// RoundRobin rotates through the eligible list. The rotation counter is
// global rather than per environment: with a stable candidate order the
// effect is the same and there is no per-environment state to reap.
type RoundRobin struct {
	mu   sync.Mutex
	next uint64
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (s *RoundRobin) Select(_ *job.Job, candidates []robot.Candidate) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := int(s.next % uint64(len(candidates)))
	s.next++

	return i
}

func (s *RoundRobin) Name() string { return "round_robin" }

// ── LeastLoaded ────────────────────────────────────

// LeastLoaded picks the robot with the lowest load ratio
// (active jobs / capacity). Ties fall to the lower robot ID, which the
// candidate order already provides.
type LeastLoaded struct{}

func (s *LeastLoaded) Select(_ *job.Job, candidates []robot.Candidate) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if lessLoaded(candidates[i], candidates[best]) {
			best = i
		}
	}

	return best
}

func (s *LeastLoaded) Name() string { return "least_loaded" }

// lessLoaded compares load ratios without floating point:
// a.active/a.cap < b.active/b.cap  ⇔  a.active*b.cap < b.active*a.cap.
func lessLoaded(a, b robot.Candidate) bool {
	loadA := a.Robot.Capacity - a.Spare
	loadB := b.Robot.Capacity - b.Spare

	return loadA*b.Robot.Capacity < loadB*a.Robot.Capacity
}

// ── Random ────────────────────────────────────

// Random picks a uniformly random candidate.
type Random struct{}

func (s *Random) Select(_ *job.Job, candidates []robot.Candidate) int {
	return rand.IntN(len(candidates))
}

func (s *Random) Name() string { return "random" }

// ── Affinity ────────────────────────────────────

// Affinity prefers robots whose tags include the job's affinity tag,
// choosing the least loaded among them. Jobs without an affinity tag,
// or with a tag no eligible robot carries, fall back to least-loaded
// over all candidates.
type Affinity struct{}

func (s *Affinity) Select(j *job.Job, candidates []robot.Candidate) int {
	tag := ""
	if j != nil {
		tag = j.Metadata[AffinityKey]
	}

	best := -1
	if tag != "" {
		for i, c := range candidates {
			if !hasTag(c.Robot, tag) {
				continue
			}
			if best < 0 || lessLoaded(c, candidates[best]) {
				best = i
			}
		}
	}
	if best >= 0 {
		return best
	}

	return (&LeastLoaded{}).Select(j, candidates)
}

func (s *Affinity) Name() string { return "affinity" }

func hasTag(r *robot.Robot, tag string) bool {
	for _, t := range strings.Split(r.Metadata[TagsKey], ",") {
		if strings.TrimSpace(t) == tag {
			return true
		}
	}

	return false
}
