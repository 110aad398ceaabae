// ABOUTME: Connection wraps a transport sink with an outbound queue and watermarks.
// ABOUTME: Send fails fast when saturated; AwaitWritable blocks until the queue drains.

package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed indicates a send on a connection that is no longer live.
var ErrClosed = errors.New("connection closed")

// ErrSaturated indicates the outbound queue is above the high watermark.
// Callers may wait via AwaitWritable and retry, or surface the saturation.
var ErrSaturated = errors.New("connection saturated")

// Side distinguishes the two registry populations.
type Side string

const (
	SideUI    Side = "ui"
	SideAgent Side = "agent"
)

// FrameSink is the transport-facing half of a connection: it accepts encoded
// (and, where applicable, encrypted) frames for delivery and can be closed.
type FrameSink interface {
	WriteFrame(frame []byte) error
	Close() error
}

// Watermarks are the outbound buffer thresholds, in bytes. Crossing High
// marks the connection saturated; draining to Low or below releases it.
type Watermarks struct {
	Low  int
	High int
}

// Conn is a live UI or agent connection. It owns a writer goroutine that
// drains the outbound queue into the sink, so Send never blocks on I/O.
type Conn struct {
	id     string
	side   Side
	sink   FrameSink
	wm     Watermarks
	logger *slog.Logger

	mu        sync.Mutex
	queue     [][]byte
	queued    int
	saturated bool
	resume    chan struct{}
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// New creates a connection over the given sink and starts its writer.
func New(id string, side Side, sink FrameSink, wm Watermarks, logger *slog.Logger) *Conn {
	c := &Conn{
		id:     id,
		side:   side,
		sink:   sink,
		wm:     wm,
		logger: logger.With("conn_id", id, "side", side),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ID returns the connection's stable identity.
func (c *Conn) ID() string { return c.id }

// Side reports whether this is a UI or agent connection.
func (c *Conn) Side() Side { return c.side }

// Send enqueues a frame for delivery. It returns ErrClosed on a dead
// connection and ErrSaturated once the queue has crossed the high watermark.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.saturated {
		return ErrSaturated
	}

	c.queue = append(c.queue, frame)
	c.queued += len(frame)
	if c.queued >= c.wm.High {
		c.saturated = true
		c.resume = make(chan struct{})
		c.logger.Warn("outbound buffer saturated", "queued_bytes", c.queued)
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Saturated reports whether the outbound queue is above the high watermark
// and has not yet drained below the low watermark.
func (c *Conn) Saturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saturated
}

// AwaitWritable blocks until the connection drains below the low watermark,
// the connection closes, or ctx expires.
func (c *Conn) AwaitWritable(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.saturated {
		c.mu.Unlock()
		return nil
	}
	resume := c.resume
	c.mu.Unlock()

	select {
	case <-resume:
		// Close releases waiters through resume as well; report it as such.
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down: the writer stops, the sink is closed, and
// any AwaitWritable callers are released. Close is idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.saturated {
		c.saturated = false
		close(c.resume)
	}
	c.queue = nil
	c.queued = 0
	c.mu.Unlock()

	close(c.done)
	if err := c.sink.Close(); err != nil {
		c.logger.Debug("closing sink", "error", err)
	}
}

// Done is closed when the connection has been torn down. Dependents use it
// to observe disconnection as an asynchronous cancellation signal.
func (c *Conn) Done() <-chan struct{} { return c.done }

// writeLoop drains the queue into the sink. A sink write failure kills the
// connection; the registry-level disconnect handling does the rest.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 || c.closed {
				c.mu.Unlock()
				break
			}
			frame := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			err := c.sink.WriteFrame(frame)

			c.mu.Lock()
			c.queued -= len(frame)
			if c.saturated && c.queued <= c.wm.Low {
				c.saturated = false
				close(c.resume)
				c.logger.Info("outbound buffer drained", "queued_bytes", c.queued)
			}
			c.mu.Unlock()

			if err != nil {
				c.logger.Warn("frame write failed, closing connection", "error", err)
				c.Close()
				return
			}
		}
	}
}
