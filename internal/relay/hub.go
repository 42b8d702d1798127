package relay

import (
	"context"
	"log/slog"
	"time"
)

// HubConfig configures a Hub.
type HubConfig struct {
	Limits Limits
	// Presence is optional; when set, users are marked online on their first
	// connection and cleared on their last. Presence calls run on their own
	// goroutine, never on the dispatch loop.
	Presence PresenceTracker
	// PresenceRefresh is how often presence of connected users is renewed.
	// Zero disables the refresh.
	PresenceRefresh time.Duration
	// PresenceTimeout bounds each presence call.
	PresenceTimeout time.Duration
	// QueueSize is the depth of the dispatch queue feeding Run.
	QueueSize int
	Logger    *slog.Logger
}

// Hub owns the registry and is the single serialization point for fan-out:
// every broadcast is queued and delivered by the Run loop in order, so all
// recipients of a room observe the same event order.
type Hub struct {
	registry *Registry
	cfg      HubConfig
	logger   *slog.Logger

	broadcast chan dispatch
	presence  chan presenceOp
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewHub creates a Hub ready to Open connections. Run must be started before
// broadcasts are delivered.
func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = 2 * time.Second
	}
	cfg.Limits = cfg.Limits.sanitize()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:  NewRegistry(),
		cfg:       cfg,
		logger:    logger,
		broadcast: make(chan dispatch, cfg.QueueSize),
		presence:  make(chan presenceOp, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Registry exposes the hub's room registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Open registers a new connection for identity. The identity must already
// have been resolved by the session gate.
func (h *Hub) Open(identity Identity) (*Connection, error) {
	if !identity.Valid() {
		return nil, ErrUnauthenticated
	}
	c := newConnection(identity, h.cfg.Limits, h.release)
	first, err := h.registry.Add(c)
	if err != nil {
		return nil, err
	}
	// Checked after Add: a connection registered once shutdown has taken its
	// snapshot would otherwise never be closed.
	select {
	case <-h.ctx.Done():
		c.CloseWithError(ErrHubStopped)
		return nil, ErrHubStopped
	default:
	}
	h.logger.Info("connection opened",
		"conn", c.id, "user", identity.UserID, "connections", h.registry.Len())

	if first {
		h.queuePresence(presenceOp{userID: identity.UserID, online: true})
	}
	return c, nil
}

// release unwinds a closing connection. It runs exactly once per connection,
// from Connection.CloseWithError.
func (h *Hub) release(c *Connection, reason error) {
	rooms, last := h.registry.UnsubscribeAll(c)
	attrs := []any{"conn", c.id, "user", c.identity.UserID, "rooms", len(rooms), "connections", h.registry.Len()}
	if reason != nil {
		attrs = append(attrs, "reason", reason)
	}
	h.logger.Info("connection closed", attrs...)

	if last {
		h.queuePresence(presenceOp{userID: c.identity.UserID})
	}
}

// Run delivers queued broadcasts until ctx is cancelled or Shutdown is
// called, then closes every remaining connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	if h.cfg.Presence != nil {
		stop := make(chan struct{})
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			h.runPresence(stop)
		}()
		defer func() {
			close(stop)
			<-finished
		}()
	}

	for {
		select {
		case <-ctx.Done():
			h.cancel()
			h.shutdownConnections()
			return
		case <-h.ctx.Done():
			h.shutdownConnections()
			return
		case d := <-h.broadcast:
			h.handleBroadcast(d)
		}
	}
}

// shutdownConnections closes every live connection with ErrHubStopped.
func (h *Hub) shutdownConnections() {
	conns := h.registry.Connections()
	h.logger.Info("closing connections", "count", len(conns))
	for _, c := range conns {
		c.CloseWithError(ErrHubStopped)
	}
}

// Shutdown stops Run and waits for it to finish closing connections, or for
// timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("hub shutting down")
	h.cancel()

	select {
	case <-h.done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timed out", "timeout", timeout)
		return context.DeadlineExceeded
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
