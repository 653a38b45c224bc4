package casare

import (
	"context"
	"log/slog"
	"time"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// Storer is the minimal store interface held by the Orchestrator.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// runner is an internal interface for background component lifecycle
// (dispatcher loop, recovery sweeper, protocol server).
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Orchestrator is the control-plane coordinator. It owns the lifecycle
// of the dispatcher, the resilience sweeper, and the robot protocol
// server, all of which are wired in by the setup layer (cmd/casared or
// the caller's own wiring).
//
// Create one with New() and functional options. The Orchestrator holds
// references to subsystem components via internal interfaces to avoid
// import cycles.
type Orchestrator struct {
	config Config
	logger *slog.Logger
	store  Storer

	dispatcher runner
	sweeper    runner
	server     runner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Orchestrator with the given options.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Storer { return o.store }

// Config returns a copy of the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.config }

// SetDispatcher sets the dispatch loop (called by the setup layer).
func (o *Orchestrator) SetDispatcher(r runner) { o.dispatcher = r }

// SetSweeper sets the recovery sweeper (called by the setup layer).
func (o *Orchestrator) SetSweeper(r runner) { o.sweeper = r }

// SetServer sets the robot protocol server (called by the setup layer).
func (o *Orchestrator) SetServer(r runner) { o.server = r }

// Start launches the sweeper, dispatcher, and protocol server, in that
// order: recovery must be live before new work is handed out.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.store == nil {
		return ErrNoStore
	}
	for _, r := range []runner{o.sweeper, o.dispatcher, o.server} {
		if r == nil {
			continue
		}
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	o.started = true
	return nil
}

// Stop gracefully shuts down the orchestrator. Components stop in the
// reverse of their start order.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.started {
		for _, r := range []runner{o.server, o.dispatcher, o.sweeper} {
			if r == nil {
				continue
			}
			if err := r.Stop(ctx); err != nil {
				o.logger.Error("component stop error", "error", err)
			}
		}
	}
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

// WithConfig replaces the entire configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) error {
		o.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the orchestrator.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the orchestrator.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(o *Orchestrator) error {
		o.store = s
		return nil
	}
}

// WithLeaseDuration overrides the claim visibility timeout.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.LeaseDuration = d
		return nil
	}
}

// WithStrategy selects the robot selection policy by name.
func WithStrategy(name string) Option {
	return func(o *Orchestrator) error {
		o.config.Strategy = name
		return nil
	}
}
