// Package dlq provides the dead letter queue for jobs that have
// exhausted their retry budget. It supports inspection, replay, and
// purging.
//
// When a job fails terminally, the resilience manager calls
// [Service.Push] to move it into the DLQ. The original payload,
// variables, error message, and retry counts are preserved for
// debugging.
//
// # Replay
//
// Replaying an entry resubmits the original workflow as a brand new
// job with a fresh ID and a zero retry count. Replay sets ReplayedAt
// on the DLQ entry; entries are never deleted by replay so the failure
// history survives.
package dlq
