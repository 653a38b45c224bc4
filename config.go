package casare

import "time"

// Config holds configuration for the Orchestrator.
type Config struct {
	// DispatchInterval is how often the dispatcher polls for pending work.
	DispatchInterval time.Duration

	// RecoveryInterval is how often the resilience sweeper scans for
	// expired leases. Independent of DispatchInterval so a stalled
	// dispatcher cannot delay crash recovery.
	RecoveryInterval time.Duration

	// LeaseDuration is the visibility timeout granted on claim. A
	// robot's heartbeats extend the lease; when heartbeats stop the job
	// becomes claimable again after this long.
	LeaseDuration time.Duration

	// HeartbeatInterval is how often connected robots are expected to
	// send heartbeats. Advertised to robots in the register ack.
	HeartbeatInterval time.Duration

	// MissedHeartbeats is how many consecutive heartbeat intervals a
	// robot may miss before its connection degrades, and twice that
	// before it is considered offline.
	MissedHeartbeats int

	// ClaimBatchLimit caps how many jobs one dispatch tick may claim
	// per environment, independent of aggregate robot capacity.
	ClaimBatchLimit int

	// Strategy names the robot selection policy: "round_robin",
	// "least_loaded", "random", or "affinity".
	Strategy string

	// CancelAckTimeout is how long to wait for a robot to acknowledge a
	// cancellation before failing the job into the recovery path.
	CancelAckTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:  1 * time.Second,
		RecoveryInterval:  5 * time.Second,
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		MissedHeartbeats:  3,
		ClaimBatchLimit:   50,
		Strategy:          "least_loaded",
		CancelAckTimeout:  15 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}
