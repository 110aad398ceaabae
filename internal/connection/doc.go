// Package connection tracks live UI and agent connections.
//
// # Registry
//
// Two Registry instances exist per proxy, one per side. A Registry owns its
// connections: every other component refers to a connection only by id and
// resolves it at use time, so teardown is a single-point operation. Remove
// closes the connection and reports the session ids attached to it, which the
// caller uses to cascade cleanup into the session manager and the
// pending-command store.
//
// # Backpressure
//
// Each Conn carries an outbound queue with high/low byte watermarks. Once the
// queue crosses the high watermark, Send fails with ErrSaturated until the
// writer drains the queue below the low watermark. AwaitWritable lets the
// Router pause forwarding from the other side of a session instead of growing
// unbounded queues behind a slow consumer.
package connection
