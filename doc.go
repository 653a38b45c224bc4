// Package casare provides the orchestration core for a fleet of RPA
// robots: a durable job queue with lease-based claim semantics, a robot
// registry, a dispatching loop with pluggable load balancing, a
// bidirectional robot wire protocol, and a resilience layer for retries
// and crash recovery.
//
// Casare is designed as a library, not a service. Import it, configure a
// store, start an Orchestrator, and connect robots with the rcp client.
//
// # Quick Start
//
//	orc, err := casare.New(
//	    casare.WithStore(pgStore),
//	    casare.WithLeaseDuration(30*time.Second),
//	)
//
// # Architecture
//
// Casare follows a composable store pattern where each subsystem (job,
// robot, dlq) defines its own store interface. A single backend
// implements all of them; the in-memory backend backs unit tests and
// the Postgres backend backs production, where SELECT ... FOR UPDATE
// SKIP LOCKED gives atomic multi-process claims.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package casare
