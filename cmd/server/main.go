package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/Tyrowin/nexus-relay/internal/config"
	"github.com/Tyrowin/nexus-relay/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	seed := flag.Bool("seed", false, "insert development users and a server into an empty sqlite store")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, *seed, logger)
	if err != nil {
		logger.Error("failed to start relay", "err", err)
		os.Exit(1)
	}

	go func() {
		if err := server.StartServer(a.http, logger); err != nil {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, logger, func(c *config.Config) {
				a.server.Apply(server.SettingsFrom(c.Server))
			})
			if err != nil {
				logger.Warn("config watcher stopped", "err", err)
			}
		}()
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				cancel()
				return a.stop(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info("relay exited", "code", exitCode)
	os.Exit(exitCode)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
