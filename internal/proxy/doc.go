// Package proxy wires the diagnostics relay together and runs its servers.
//
// # Overview
//
// The proxy terminates two WebSocket populations on separate listeners: UI
// console clients and diagnostics agents. A third listener serves plain HTTP
// for health checks and the authorized-server API.
//
// UI clients receive a generated connection id at handshake. Agents identify
// themselves by hostname and register under it, so locating the agent for a
// target host is a registry lookup. A reconnecting agent supersedes its
// previous connection; sessions bound to the old connection are closed.
//
// # Lifecycle
//
// New loads the RSA key pair, opens the SQLite server directory, and wires
// the connection registries, session manager, command store, and router.
// Run starts the three servers under one errgroup and blocks until the
// context is canceled or a listener fails; shutdown closes every live
// connection so the per-connection read loops unwind through their normal
// disconnect paths.
//
// # HTTP API
//
//	GET    /health              liveness
//	GET    /health/ready        readiness (at least one agent connected)
//	GET    /api/servers         list authorized servers
//	POST   /api/servers         authorize a server {hostname, app_code}
//	DELETE /api/servers?hostname=H  deauthorize a server
//	GET    /api/stats           connection, session, and command counts
package proxy
