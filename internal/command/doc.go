// Package command tracks in-flight commands sent to agents.
//
// Each forwarded command is recorded as a Pending entry keyed by correlation
// id until either a matching response arrives (Resolve) or its deadline
// elapses (the eviction sweep). Resolution and eviction are mutually
// exclusive per id, so a command is delivered exactly one outcome: success,
// failure, or timeout.
//
// Correlation ids are supplied by the caller; the store only enforces that an
// id is not reused while still tracked.
package command
