// Package job defines the job entity, its state machine, and the
// durable queue contract.
//
// # Job Entity
//
// A [Job] is a single execution of a workflow on a robot. It embeds
// [casare.Entity] for timestamps and progresses through a state machine:
//
//	pending → running → completed
//	pending → running → pending → running → ...   (retry / lease expiry)
//	pending → running → failed
//	pending → cancelled
//	running → cancelled
//
// Fields of note:
//   - Environment: which robots may claim the job ("default" matches all)
//   - Priority: higher values are claimed first; ties break by submission order
//   - MaxRetries / RetryCount: retry budget
//   - VisibleAfter: doubles as the delayed-visibility timestamp while
//     pending and as the lease expiry while running
//   - DedupKey: optional submission idempotency key
//
// # Queue
//
// [Queue] is the persistence contract. Claiming is atomic: no job is
// ever handed to two robots, whatever the backend (the in-memory store
// uses a mutex, Postgres uses FOR UPDATE SKIP LOCKED). Lease-scoped
// operations carry the calling robot's ID and return false when the
// lease is no longer held, so a robot that was timed out and had its
// job reassigned cannot clobber the new owner's progress.
package job
