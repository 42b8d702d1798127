package server

import (
	"errors"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

// closeMessage maps the reason a relay connection closed onto a WebSocket
// close frame.
func closeMessage(reason error) []byte {
	switch {
	case reason == nil:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	case errors.Is(reason, relay.ErrBackpressureExceeded):
		return websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(relay.CodeBackpressureExceeded))
	case errors.Is(reason, relay.ErrHubStopped):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	default:
		return websocket.FormatCloseMessage(websocket.CloseInternalServerErr, string(relay.CodeOf(reason)))
	}
}
