package dispatch

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig defines per-environment dispatch behaviour such as rate
// limiting and in-flight caps.
type LimitConfig struct {
	// Environment is the environment tag the limits apply to.
	Environment string

	// MaxInFlight limits how many jobs from this environment may be
	// running across the fleet at once. Zero means no limit.
	MaxInFlight int

	// RateLimit is the maximum sustained dispatches per second for this
	// environment. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

type envState struct {
	config  LimitConfig
	limiter *rate.Limiter
	active  int
}

// Limits controls per-environment dispatch rate and in-flight caps.
// It is safe for concurrent use.
type Limits struct {
	mu   sync.Mutex
	envs map[string]*envState
}

// NewLimits creates a Limits with the given environment configurations.
// Environments not listed here have no limits.
func NewLimits(configs ...LimitConfig) *Limits {
	l := &Limits{envs: make(map[string]*envState, len(configs))}
	for _, cfg := range configs {
		l.envs[cfg.Environment] = newEnvState(cfg)
	}

	return l
}

func newEnvState(cfg LimitConfig) *envState {
	es := &envState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		es.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return es
}

// Acquire checks the rate limit and in-flight cap for the environment.
// If the dispatch may proceed it increments the active counter and
// returns true. The caller MUST call Release when the job finishes or
// the dispatch fails.
func (l *Limits) Acquire(env string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	es := l.envs[env]
	if es == nil {
		return true
	}

	if es.limiter != nil && !es.limiter.Allow() {
		return false
	}
	if es.config.MaxInFlight > 0 && es.active >= es.config.MaxInFlight {
		return false
	}
	es.active++

	return true
}

// Release decrements the active count for the environment.
func (l *Limits) Release(env string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if es := l.envs[env]; es != nil && es.active > 0 {
		es.active--
	}
}

// SetConfig dynamically updates (or creates) an environment's limits,
// preserving the current active count.
func (l *Limits) SetConfig(cfg LimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	es := newEnvState(cfg)
	if existing := l.envs[cfg.Environment]; existing != nil {
		es.active = existing.active
	}
	l.envs[cfg.Environment] = es
}

// ActiveCount returns the number of in-flight dispatches for an
// environment.
func (l *Limits) ActiveCount(env string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if es := l.envs[env]; es != nil {
		return es.active
	}

	return 0
}
