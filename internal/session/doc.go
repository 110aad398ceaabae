// Package session binds UI tabs to agent connections.
//
// # State machine
//
// A (UI connection, tab) pair starts Unbound, represented by the absence of a
// session. The first command naming a target host moves it through Resolving
// (authorization plus agent lookup) into Bound, where commands flow until the
// session closes: either endpoint disconnecting, an explicit close command,
// or the idle sweep. Closed is terminal; a later command on the same pair
// starts a fresh cycle, possibly to a different agent.
//
// Sessions never hold connection handles, only ids. The registries own
// connection lifetime; the manager's CloseByConnection is the cascade point
// when a registry reports a removal.
//
// # Tabs
//
// The Multiplexer scopes tab ids to their owning UI connection. Tabs have no
// independent lifecycle: closing the connection tears down all of its tabs,
// and with them their sessions.
package session
