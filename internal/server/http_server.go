package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/config"
)

// CreateServer creates an HTTP server for handler using the address and
// timeouts in cfg.
func CreateServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// StartServer listens until the server is shut down. A graceful shutdown is
// not reported as an error.
func StartServer(server *http.Server, logger *slog.Logger) error {
	logger.Info("server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer stops accepting connections and waits up to timeout for
// in-flight requests. Hijacked WebSocket connections are not tracked by
// http.Server; the hub closes those.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *slog.Logger) error {
	logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
		return err
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}
