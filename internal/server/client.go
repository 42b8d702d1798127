package server

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// client couples one WebSocket to one relay connection. readPump feeds the
// router; writePump drains the connection's outbound queue.
type client struct {
	conn           *websocket.Conn
	rc             *relay.Connection
	router         *relay.Router
	logger         *slog.Logger
	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
}

func newClient(conn *websocket.Conn, rc *relay.Connection, router *relay.Router, settings Settings, logger *slog.Logger) *client {
	conn.SetReadLimit(settings.MaxMessageSize)
	return &client{
		conn:           conn,
		rc:             rc,
		router:         router,
		logger:         logger.With("conn", rc.ID(), "user", rc.Identity().UserID, "remote", conn.RemoteAddr().String()),
		maxMessageSize: settings.MaxMessageSize,
		rateLimiter:    newRateLimiter(settings.RateLimit),
		rateLimit:      settings.RateLimit,
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("error setting initial read deadline", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Debug("error setting read deadline in pong handler", "err", err)
		}
		return nil
	})
}

// logReadError logs why the read loop stopped and reports whether the error
// is a transport failure rather than an orderly close.
func (c *client) logReadError(err error) bool {
	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn("frame exceeded maximum size", "limit", c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		c.logger.Debug("client disconnected", "err", err)
		return false
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.logger.Debug("client connection closed", "err", err)
		return false
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.logger.Info("unexpected websocket close", "err", err)
		return true
	}

	c.logger.Info("websocket read error", "err", err)
	return true
}

// allow applies the inbound rate limit. A throttled frame is discarded and
// the client told so; the connection stays open.
func (c *client) allow() bool {
	if c.rateLimiter.Allow() {
		return true
	}
	c.logger.Debug("rate limit exceeded; discarding frame",
		"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
	c.rc.Send(relay.ErrorFrame(relay.ErrRateLimited))
	return false
}

// frames yields inbound text frames until the socket fails or closes. An
// orderly close ends the sequence without an error.
func (c *client) frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			_, raw, err := c.conn.ReadMessage()
			if err != nil {
				if c.logReadError(err) {
					yield(nil, err)
				}
				return
			}
			if !c.allow() {
				continue
			}
			if !yield(raw, nil) {
				return
			}
		}
	}
}

func (c *client) readPump(ctx context.Context) {
	c.setupReadConnection()

	err := c.router.Serve(ctx, c.rc, c.frames())
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("read pump stopped", "err", err)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.rc.Close()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case <-c.rc.Ready():
		return c.writeFrames(c.rc.Drain())
	case <-ticker.C:
		return c.handlePing()
	case <-c.rc.Done():
		return c.writeCloseMessage()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error closing connection", "err", err)
	}
}

// writeCloseMessage sends a close frame carrying the reason the relay
// connection closed.
func (c *client) writeCloseMessage() bool {
	msg := closeMessage(c.rc.Err())
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("error writing close message", "err", err)
		}
	}
	return false
}

// writeFrames writes each queued frame as its own text message.
func (c *client) writeFrames(frames []relay.Frame) bool {
	for _, f := range frames {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.logger.Debug("error setting write deadline", "err", err)
			return false
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, f.Body); err != nil {
			if !isExpectedCloseError(err) {
				c.logger.Info("error writing frame", "event", f.Event, "err", err)
			}
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline for ping", "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("error writing ping", "err", err)
		return false
	}
	return true
}
