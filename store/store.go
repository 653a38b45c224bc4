// Package store defines the aggregate persistence interface. Each
// subsystem (job, robot, dlq) defines its own store interface; the
// composite Store composes them all. Backends: Postgres and Memory,
// plus a Redis presence mirror for robots.
package store

import (
	"context"

	"github.com/omerlefaruk/CasareRPA-sub002/dlq"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface. A single backend
// (postgres, memory) implements all of them.
type Store interface {
	job.Queue
	robot.Store
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
