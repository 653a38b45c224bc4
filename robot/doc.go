// Package robot defines the robot entity, the registry store contract,
// and the dispatch-facing [Registry] service.
//
// A robot's status is never stored. It is derived on read from
// heartbeat recency and load: silent past the timeout means offline,
// heartbeating at capacity means busy, otherwise online. Storing a
// status column would let it drift from the facts that define it.
//
// Environments partition the fleet. The "default" environment is a
// wildcard: robots serving it take jobs from any environment, and jobs
// targeted at it run anywhere.
package robot
