// Package router is the orchestrator composing the pipeline stages.
//
// Inbound-from-UI: decrypt, decode, demux tab, resolve session (authorizing
// the target host on first command), track correlation, forward to the agent
// connection. Inbound-from-agent: decrypt, decode, resolve correlation to
// session, remux onto the UI tab, encode, send.
//
// Each stage returns a value or a tagged failure; expected outcomes like an
// unauthorized host never travel as panics or hidden control flow. Failures
// split into two classes: protocol violations (undecryptable or malformed
// frames) are fatal to the offending connection, while authorization,
// reachability, timeout, and saturation failures are answered with exactly
// one structured error envelope on the originating tab, leaving the
// connection open. Late and unknown correlations are logged and dropped.
//
// The router is the only component that touches both connection registries.
// All shared state mutation goes through the registries', session manager's,
// and correlation store's narrow contracts.
package router
