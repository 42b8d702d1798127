package server

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-relay/internal/auth"
	"github.com/Tyrowin/nexus-relay/internal/relay"
	"github.com/Tyrowin/nexus-relay/internal/store"
	"github.com/Tyrowin/nexus-relay/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture is a relay served over httptest, backed by an in-memory store
// seeded with two members of one server and an outsider.
type fixture struct {
	store  *store.Store
	seed   *store.SeedResult
	auth   *auth.JWTResolver
	hub    *relay.Hub
	server *Server
	http   *httptest.Server
	tokens map[string]string
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()

	st, err := store.OpenSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))
	seed, err := st.Seed(ctx)
	require.NoError(t, err)
	outsider := store.User{Username: "mallory", Email: "mallory@example.com"}
	require.NoError(t, st.CreateUser(ctx, &outsider))

	resolver, err := auth.NewJWTResolver(auth.Config{Secret: "test-secret", Issuer: "nexus-relay"})
	require.NoError(t, err)

	hub := relay.NewHub(relay.HubConfig{Logger: logger})
	hubCtx, cancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	router, err := relay.NewRouter(hub, relay.RouterConfig{
		Authorizer:    st,
		Recorder:      st,
		RecheckOnSend: true,
		Logger:        logger,
	})
	require.NoError(t, err)

	opts := Options{
		Hub:      hub,
		Router:   router,
		Resolver: resolver,
		Settings: DefaultSettings(),
		Logger:   logger,
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	f := &fixture{
		store:  st,
		seed:   seed,
		auth:   resolver,
		hub:    hub,
		server: srv,
		http:   ts,
		tokens: make(map[string]string),
	}
	users := []store.User{seed.Users[0], seed.Users[1], outsider}
	for _, u := range users {
		token, err := resolver.Issue(u.ID, u.Username)
		require.NoError(t, err)
		f.tokens[u.Username] = token
	}
	return f
}

// general is the room of the seeded server's first channel.
func (f *fixture) general() relay.RoomID {
	return relay.ChannelRoom(f.seed.Channels[0].ID)
}

func (f *fixture) userID(username string) string {
	for _, u := range f.seed.Users {
		if u.Username == username {
			return u.ID
		}
	}
	return ""
}

func (f *fixture) connect(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	return testutil.Connect(t, f.http, f.tokens[username])
}

// join subscribes conn to room and waits for the acknowledgement.
func join(t *testing.T, conn *websocket.Conn, room relay.RoomID) {
	t.Helper()
	testutil.Send(t, conn, relay.EventJoinRoom, map[string]any{"roomId": room})
	ack := testutil.Expect[relay.RoomAck](t, conn, relay.EventRoomJoined)
	require.Equal(t, room, ack.RoomID)
}
