// Package testutil provides helpers shared by tests that drive the relay over
// a real WebSocket.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Origin is the origin test clients present.
const Origin = "http://localhost:8080"

const readTimeout = 2 * time.Second

// Frame is a decoded server event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketURL converts an httptest server URL into the /ws endpoint with
// token as the credential. An empty token is omitted.
func WebSocketURL(t *testing.T, srv *httptest.Server, token string) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}

// Dial opens a WebSocket to rawURL from origin. The response is returned so
// callers can inspect refused handshakes; its body is already closed.
func Dial(rawURL, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(rawURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Connect dials the relay as the holder of token and closes the connection
// when the test ends.
func Connect(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := Dial(WebSocketURL(t, srv, token), Origin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Send writes one client event.
func Send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Event: event, Data: payload}))
}

// Read returns the next server event.
func Read(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// Expect reads the next server event, requires it to be named event and
// decodes its data into T.
func Expect[T any](t *testing.T, conn *websocket.Conn, event string) T {
	t.Helper()
	f := Read(t, conn)
	require.Equal(t, event, f.Event, "data: %s", f.Data)
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

// ExpectSilence requires that nothing arrives on conn within d. The
// connection is unusable for reads afterwards if the deadline fires, so it
// must be the last read of the test on conn.
func ExpectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", raw)
}

// ExpectClose reads until the server closes conn and returns the close code.
func ExpectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce.Code
	}
}
