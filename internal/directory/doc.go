// Package directory is the authorized-server directory behind host
// authorization.
//
// Every command targeting a not-yet-established session re-checks its target
// hostname here before a session is created or any agent connection is
// contacted. The directory is deliberately uncached: revoking a host takes
// effect on the next check.
package directory
