package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

// HealthCheck checks one backing service. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Options configures a Server.
type Options struct {
	Hub      *relay.Hub
	Router   *relay.Router
	Resolver relay.IdentityResolver
	Settings Settings
	// Checks are reported by name on the health endpoint.
	Checks map[string]HealthCheck
	Logger *slog.Logger
}

// Server is the WebSocket front end of the relay. It authenticates upgrade
// requests and runs one read and one write pump per connection.
type Server struct {
	hub      *relay.Hub
	router   *relay.Router
	resolver relay.IdentityResolver
	checks   map[string]HealthCheck
	logger   *slog.Logger
	started  time.Time
	upgrader websocket.Upgrader

	settings liveSettings
	wg       sync.WaitGroup
}

// New validates opts and returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Hub == nil || opts.Router == nil {
		return nil, errors.New("server: hub and router are required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("server: identity resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		hub:      opts.Hub,
		router:   opts.Router,
		resolver: opts.Resolver,
		checks:   opts.Checks,
		logger:   logger,
		started:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.settings.apply(opts.Settings, logger)
	return s, nil
}

// Apply replaces the live settings. Open connections keep the message size
// and rate limit they were created with.
func (s *Server) Apply(settings Settings) {
	applied := s.settings.apply(settings, s.logger)
	s.logger.Info("server settings applied",
		"allowed_origins", applied.AllowedOrigins,
		"max_message_size", applied.MaxMessageSize,
		"rate_limit_burst", applied.RateLimit.Burst,
		"rate_limit_interval", applied.RateLimit.RefillInterval)
}

// Settings returns the active settings.
func (s *Server) Settings() Settings {
	return s.settings.current()
}

// Wait blocks until every connection pump has exited or timeout elapses.
func (s *Server) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("server: timed out waiting for connections to close")
	}
}
