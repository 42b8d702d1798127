package server

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-relay/internal/relay"
	"github.com/Tyrowin/nexus-relay/internal/testutil"
)

func TestMessageReachesRoomMembersOnly(t *testing.T) {
	f := newFixture(t)
	anmol := f.connect(t, "anmol")
	john := f.connect(t, "john")
	mallory := f.connect(t, "mallory")
	join(t, anmol, f.general())
	join(t, john, f.general())

	testutil.Send(t, anmol, relay.EventSendMessage, map[string]any{
		"roomId":  f.general(),
		"content": "hello",
		"userId":  f.userID("john"),
	})

	for _, conn := range []*websocket.Conn{anmol, john} {
		msg := testutil.Expect[relay.NewMessage](t, conn, relay.EventNewMessage)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, f.userID("anmol"), msg.UserID)
		assert.Equal(t, "anmol", msg.Username)
		assert.Equal(t, f.general(), msg.RoomID)
	}
	testutil.ExpectSilence(t, mallory, 100*time.Millisecond)

	stored, err := f.store.ListMessages(t.Context(), f.seed.Channels[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Content)
}

func TestNonMemberCannotJoinOrSend(t *testing.T) {
	f := newFixture(t)
	mallory := f.connect(t, "mallory")

	testutil.Send(t, mallory, relay.EventJoinRoom, map[string]any{"roomId": f.general()})
	p := testutil.Expect[relay.ErrorPayload](t, mallory, relay.EventError)
	assert.Equal(t, relay.CodeUnauthorized, p.Code)
	assert.Equal(t, relay.EventJoinRoom, p.Event)

	testutil.Send(t, mallory, relay.EventSendMessage, map[string]any{"roomId": f.general(), "content": "hi"})
	p = testutil.Expect[relay.ErrorPayload](t, mallory, relay.EventError)
	assert.Equal(t, relay.CodeNotSubscribed, p.Code)

	assert.Equal(t, 0, f.hub.Registry().RoomCount())
}

func TestAbruptDisconnectUnwindsSubscriptions(t *testing.T) {
	f := newFixture(t)
	anmol := f.connect(t, "anmol")
	john := f.connect(t, "john")
	join(t, anmol, f.general())
	join(t, john, f.general())

	require.NoError(t, anmol.Close())
	require.Eventually(t, func() bool {
		return len(f.hub.Registry().MembersOf(f.general())) == 1
	}, 2*time.Second, 10*time.Millisecond)

	testutil.Send(t, john, relay.EventSendMessage, map[string]any{"roomId": f.general(), "content": "still here"})
	msg := testutil.Expect[relay.NewMessage](t, john, relay.EventNewMessage)
	assert.Equal(t, "still here", msg.Content)
	require.NoError(t, f.hub.Registry().Verify())
}

func TestStatusUpdateExcludesSender(t *testing.T) {
	f := newFixture(t)
	anmol := f.connect(t, "anmol")
	john := f.connect(t, "john")
	require.Eventually(t, func() bool { return f.hub.Registry().Len() == 2 }, time.Second, 10*time.Millisecond)

	testutil.Send(t, anmol, relay.EventStatusUpdate, map[string]any{"status": "away"})

	update := testutil.Expect[relay.UserStatusUpdate](t, john, relay.EventUserStatusUpdate)
	assert.Equal(t, f.userID("anmol"), update.UserID)
	assert.Equal(t, relay.StatusAway, update.Status)
	testutil.ExpectSilence(t, anmol, 100*time.Millisecond)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t)
	anmol := f.connect(t, "anmol")

	require.NoError(t, anmol.WriteMessage(websocket.TextMessage, []byte("not json")))
	p := testutil.Expect[relay.ErrorPayload](t, anmol, relay.EventError)
	assert.Equal(t, relay.CodeMalformedEvent, p.Code)

	join(t, anmol, f.general())
}

func TestDisconnectEventClosesNormally(t *testing.T) {
	f := newFixture(t)
	anmol := f.connect(t, "anmol")
	join(t, anmol, f.general())

	testutil.Send(t, anmol, relay.EventDisconnect, nil)

	assert.Equal(t, websocket.CloseNormalClosure, testutil.ExpectClose(t, anmol))
	require.Eventually(t, func() bool { return f.hub.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandshakeRejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		token  string
		origin string
		status int
	}{
		{name: "missing credential", origin: testutil.Origin, status: http.StatusUnauthorized},
		{name: "invalid credential", token: "not-a-jwt", origin: testutil.Origin, status: http.StatusUnauthorized},
		{name: "missing origin", token: f.tokens["anmol"], status: http.StatusForbidden},
		{name: "disallowed origin", token: f.tokens["anmol"], origin: "http://evil.example.com", status: http.StatusForbidden},
		{name: "malformed origin", token: f.tokens["anmol"], origin: "not-a-url", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := testutil.Dial(testutil.WebSocketURL(t, f.http, tt.token), tt.origin)
			if conn != nil {
				_ = conn.Close()
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, f.hub.Registry().Len(), "no connection is registered before authentication")
}

func TestBearerHeaderCredential(t *testing.T) {
	f := newFixture(t)

	header := http.Header{}
	header.Set("Origin", testutil.Origin)
	header.Set("Authorization", "Bearer "+f.tokens["john"])
	conn, resp, err := websocket.DefaultDialer.Dial(testutil.WebSocketURL(t, f.http, ""), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	join(t, conn, f.general())
}

func TestWebSocketMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/ws", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestOriginMatchingIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Settings.AllowedOrigins = []string{"http://example.com"}
	})

	for _, origin := range []string{"http://EXAMPLE.COM", "HTTP://Example.Com"} {
		conn, _, err := testutil.Dial(testutil.WebSocketURL(t, f.http, f.tokens["anmol"]), origin)
		require.NoError(t, err, origin)
		_ = conn.Close()
	}
}

func TestRateLimitedFramesAreRejected(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Settings.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	anmol := f.connect(t, "anmol")

	join(t, anmol, f.general())
	join(t, anmol, f.general())
	testutil.Send(t, anmol, relay.EventJoinRoom, map[string]any{"roomId": f.general()})

	p := testutil.Expect[relay.ErrorPayload](t, anmol, relay.EventError)
	assert.Equal(t, relay.CodeRateLimited, p.Code)
	assert.Equal(t, 1, f.hub.Registry().Len(), "throttling keeps the connection open")
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Settings.MaxMessageSize = 64
	})
	anmol := f.connect(t, "anmol")

	big := `{"event":"send-message","data":{"content":"` + strings.Repeat("x", 128) + `"}}`
	require.NoError(t, anmol.WriteMessage(websocket.TextMessage, []byte(big)))

	assert.Equal(t, websocket.CloseMessageTooBig, testutil.ExpectClose(t, anmol))
	require.Eventually(t, func() bool { return f.hub.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHubShutdownSendsGoingAway(t *testing.T) {
	f := newFixture(t)
	anmol := f.connect(t, "anmol")
	join(t, anmol, f.general())

	require.NoError(t, f.hub.Shutdown(time.Second))

	assert.Equal(t, websocket.CloseGoingAway, testutil.ExpectClose(t, anmol))
	require.NoError(t, f.server.Wait(time.Second))
}

func TestClientsInRoomObserveSameOrder(t *testing.T) {
	f := newFixture(t)
	const n = 6

	conns := make([]*websocket.Conn, n)
	for i := range conns {
		user := "anmol"
		if i%2 == 1 {
			user = "john"
		}
		conns[i] = f.connect(t, user)
		join(t, conns[i], f.general())
	}

	for i, conn := range conns {
		testutil.Send(t, conn, relay.EventSendMessage, map[string]any{
			"roomId":  f.general(),
			"content": fmt.Sprintf("m%d", i),
		})
	}

	var first []string
	for i, conn := range conns {
		var seen []string
		for range n {
			msg := testutil.Expect[relay.NewMessage](t, conn, relay.EventNewMessage)
			seen = append(seen, msg.ID)
		}
		if i == 0 {
			first = seen
			continue
		}
		assert.Equal(t, first, seen, "connection %d saw a different order", i)
	}
}
