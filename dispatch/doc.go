// Package dispatch routes pending jobs to connected robots.
//
// The [Dispatcher] runs a timer loop that, for every environment with
// visible pending work, queries the robot registry for eligible
// candidates and pairs each job with a robot chosen by a pluggable
// [Strategy] (round-robin, least-loaded, random, or affinity-based).
//
// A matched job is claimed in the queue first and delivered second. If
// delivery fails the claim is released immediately, so there is never a
// window where a job sits leased to a robot that cannot receive it.
// Batch sizes are bounded by the fleet's spare capacity; per-environment
// [Limits] add rate and in-flight caps on top.
package dispatch
