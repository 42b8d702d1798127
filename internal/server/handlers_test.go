package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-relay/internal/testutil"
)

func TestHealthHandler(t *testing.T) {
	f := newFixture(t)
	f.server.checks = map[string]HealthCheck{"store": f.store.Ping}
	f.connect(t, "anmol")
	require.Eventually(t, func() bool { return f.hub.Registry().Len() == 1 }, time.Second, 10*time.Millisecond)

	for _, path := range []string{"/", "/health"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(f.http.URL + path)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var body healthResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, "ok", body.Status)
			assert.Equal(t, 1, body.Connections)
			assert.Equal(t, map[string]string{"store": "ok"}, body.Checks)
			assert.NotEmpty(t, body.Uptime)
		})
	}
}

func TestHealthHandlerDegraded(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Checks = map[string]HealthCheck{
			"presence": func(context.Context) error { return errors.New("connection refused") },
			"store":    func(context.Context) error { return nil },
		}
	})

	rr := httptest.NewRecorder()
	f.server.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Checks["presence"])
	assert.Equal(t, "ok", body.Checks["store"])
}

func TestTestPageHandler(t *testing.T) {
	f := newFixture(t)

	rr := httptest.NewRecorder()
	f.server.TestPageHandler(rr, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/html", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "join-room")
	assert.Contains(t, rr.Body.String(), "send-message")
}

func TestNewRequiresCollaborators(t *testing.T) {
	f := newFixture(t)

	_, err := New(Options{Router: f.server.router, Resolver: f.auth})
	assert.Error(t, err)
	_, err = New(Options{Hub: f.hub, Router: f.server.router})
	assert.Error(t, err)
}

func TestApplyReplacesSettings(t *testing.T) {
	f := newFixture(t)
	url := testutil.WebSocketURL(t, f.http, f.tokens["anmol"])

	conn, _, err := testutil.Dial(url, "https://chat.example.com")
	require.Error(t, err)
	assert.Nil(t, conn)

	f.server.Apply(Settings{
		AllowedOrigins: []string{" HTTPS://Chat.Example.com ", "bogus"},
		MaxMessageSize: 1024,
	})

	got := f.server.Settings()
	assert.Equal(t, []string{"https://chat.example.com"}, got.AllowedOrigins)
	assert.Equal(t, int64(1024), got.MaxMessageSize)
	assert.Equal(t, DefaultSettings().RateLimit, got.RateLimit, "unset values fall back to defaults")

	conn, _, err = testutil.Dial(url, "https://chat.example.com")
	require.NoError(t, err)
	_ = conn.Close()
}

func TestCredential(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "query", target: "/ws?token=abc", want: "abc"},
		{name: "bearer header", target: "/ws", header: "Bearer xyz", want: "xyz"},
		{name: "lowercase scheme", target: "/ws", header: "bearer xyz", want: "xyz"},
		{name: "query wins", target: "/ws?token=abc", header: "Bearer xyz", want: "abc"},
		{name: "other scheme", target: "/ws", header: "Basic dXNlcg==", want: ""},
		{name: "none", target: "/ws", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, credential(r))
		})
	}
}
