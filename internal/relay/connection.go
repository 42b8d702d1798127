package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ConnID identifies one live connection for its whole lifetime.
type ConnID string

// Limits bound a connection's outbound queue.
type Limits struct {
	// OutboundBuffer is the total number of queued frames.
	OutboundBuffer int
	// CriticalBacklog is the number of queued message/status frames tolerated
	// before the connection is closed as too slow.
	CriticalBacklog int
}

// DefaultLimits returns the queue bounds used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		OutboundBuffer:  256,
		CriticalBacklog: 128,
	}
}

func (l Limits) sanitize() Limits {
	def := DefaultLimits()
	if l.OutboundBuffer <= 0 {
		l.OutboundBuffer = def.OutboundBuffer
	}
	if l.CriticalBacklog <= 0 {
		l.CriticalBacklog = def.CriticalBacklog
	}
	if l.CriticalBacklog > l.OutboundBuffer {
		l.CriticalBacklog = l.OutboundBuffer
	}
	return l
}

// Connection is one live transport session for one identity. It owns the
// outbound queue: many producers call Send, a single transport writer
// consumes with Ready and Drain.
type Connection struct {
	id       ConnID
	identity Identity
	limits   Limits

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []Frame
	critical int
	dropped  uint64
	closed   bool
	closeErr error

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	release   func(*Connection, error)
}

func newConnection(identity Identity, limits Limits, release func(*Connection, error)) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       ConnID(uuid.NewString()),
		identity: identity,
		limits:   limits.sanitize(),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		release:  release,
	}
}

// ID returns the connection's unique id.
func (c *Connection) ID() ConnID {
	return c.id
}

// Identity returns the identity resolved at handshake.
func (c *Connection) Identity() Identity {
	return c.identity
}

// Context is cancelled when the connection closes. Work tied to the
// connection, such as authorization lookups, derives from it.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Ready signals that Drain has frames to return.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed once the connection has closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while it is open or
// after an orderly close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dropped returns how many best-effort frames were discarded.
func (c *Connection) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Send enqueues f without blocking. It returns false when the frame was not
// queued: the connection is closed, the frame was a dropped best-effort
// frame, or the queue overflowed and the connection was closed with
// ErrBackpressureExceeded.
func (c *Connection) Send(f Frame) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	overflow := f.Delivery == DeliveryCritical && c.critical >= c.limits.CriticalBacklog
	if !overflow && len(c.queue) >= c.limits.OutboundBuffer && !c.dropOldestLocked() {
		if f.Delivery == DeliveryBestEffort {
			c.dropped++
			c.mu.Unlock()
			return false
		}
		overflow = true
	}
	if overflow {
		c.mu.Unlock()
		c.CloseWithError(ErrBackpressureExceeded)
		return false
	}

	c.queue = append(c.queue, f)
	if f.Delivery == DeliveryCritical {
		c.critical++
	}
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return true
}

// dropOldestLocked discards the oldest best-effort frame.
func (c *Connection) dropOldestLocked() bool {
	for i, f := range c.queue {
		if f.Delivery != DeliveryBestEffort {
			continue
		}
		copy(c.queue[i:], c.queue[i+1:])
		c.queue[len(c.queue)-1] = Frame{}
		c.queue = c.queue[:len(c.queue)-1]
		c.dropped++
		return true
	}
	return false
}

// Drain removes and returns every queued frame in enqueue order.
func (c *Connection) Drain() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.queue
	c.queue = nil
	c.critical = 0
	return frames
}

// Close closes the connection. It is idempotent and safe to call
// concurrently with Send.
func (c *Connection) Close() {
	c.CloseWithError(nil)
}

// CloseWithError closes the connection recording err as the reason. Only the
// first call has any effect: it stops delivery, cancels in-flight work tied
// to the connection, then unwinds every room subscription.
func (c *Connection) CloseWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		c.queue = nil
		c.critical = 0
		c.mu.Unlock()

		c.cancel()
		close(c.done)
		if c.release != nil {
			c.release(c, err)
		}
	})
}
