package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/auth"
	"github.com/Tyrowin/nexus-relay/internal/config"
	"github.com/Tyrowin/nexus-relay/internal/eventlog"
	"github.com/Tyrowin/nexus-relay/internal/pgstore"
	"github.com/Tyrowin/nexus-relay/internal/presence"
	"github.com/Tyrowin/nexus-relay/internal/relay"
	"github.com/Tyrowin/nexus-relay/internal/server"
	"github.com/Tyrowin/nexus-relay/internal/store"
)

// backend is the relational store answering membership and recording
// messages.
type backend interface {
	relay.Authorizer
	relay.MessageRecorder
	Ping(ctx context.Context) error
}

// app holds every long-lived component so they can be stopped in order.
type app struct {
	logger  *slog.Logger
	timeout time.Duration

	http      *http.Server
	server    *server.Server
	hub       *relay.Hub
	hubCancel context.CancelFunc

	// closers release backing services, last opened first.
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, seed bool, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger, timeout: cfg.Server.ShutdownTimeout}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	checks := make(map[string]server.HealthCheck)

	db, err := a.openStore(ctx, cfg.Store, seed)
	if err != nil {
		return nil, err
	}
	checks["store"] = db.Ping

	resolver, err := auth.NewJWTResolver(auth.Config{
		Secret:   cfg.Auth.Secret(),
		Issuer:   cfg.Auth.Issuer,
		TokenTTL: cfg.Auth.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w (set %s)", err, cfg.Auth.SecretEnv)
	}

	var tracker relay.PresenceTracker = presence.Noop{}
	if cfg.Presence.RedisAddr != "" {
		pc := presence.DefaultConfig()
		pc.Addr = cfg.Presence.RedisAddr
		pc.Prefix = cfg.Presence.KeyPrefix
		pc.TTL = cfg.Presence.TTL
		rt, err := presence.Dial(ctx, pc)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rt.Close)
		checks["presence"] = rt.Ping
		tracker = rt
		logger.Info("presence enabled", "addr", pc.Addr, "ttl", pc.TTL)
	}

	var publisher relay.EventPublisher = eventlog.Noop{}
	if sinks := a.openEventLog(cfg.EventLog); sinks != nil {
		publisher = sinks
	}

	a.hub = relay.NewHub(relay.HubConfig{
		Limits: relay.Limits{
			OutboundBuffer:  cfg.Relay.OutboundBuffer,
			CriticalBacklog: cfg.Relay.CriticalBacklog,
		},
		Presence:        tracker,
		PresenceRefresh: cfg.Presence.TTL / 2,
		Logger:          logger,
	})
	hubCtx, hubCancel := context.WithCancel(context.Background())
	a.hubCancel = hubCancel
	go a.hub.Run(hubCtx)

	router, err := relay.NewRouter(a.hub, relay.RouterConfig{
		Authorizer:       db,
		Recorder:         db,
		Presence:         tracker,
		Publisher:        publisher,
		AuthorizeTimeout: cfg.Relay.AuthorizeTimeout,
		RecordTimeout:    cfg.Relay.RecordTimeout,
		PublishTimeout:   cfg.EventLog.Timeout,
		RecheckOnSend:    cfg.Relay.RecheckOnSend,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	a.server, err = server.New(server.Options{
		Hub:      a.hub,
		Router:   router,
		Resolver: resolver,
		Settings: server.SettingsFrom(cfg.Server),
		Checks:   checks,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	a.http = server.CreateServer(cfg.Server, a.server.Routes())
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg config.StoreConfig, seed bool) (backend, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := pgstore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		if seed {
			a.logger.Warn("seeding is only supported for the sqlite store")
		}
		a.logger.Info("store ready", "driver", cfg.Driver)
		return pg, nil

	case "sqlite":
		st, err := store.OpenSQLite(cfg.DSN, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		if seed {
			res, err := st.Seed(ctx)
			if err != nil {
				return nil, err
			}
			for _, u := range res.Users {
				a.logger.Info("seeded user", "id", u.ID, "username", u.Username)
			}
			for _, c := range res.Channels {
				a.logger.Info("seeded channel", "room", relay.ChannelRoom(c.ID), "name", c.Name)
			}
		}
		a.logger.Info("store ready", "driver", cfg.Driver, "dsn", cfg.DSN)
		return st, nil
	}
	return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}

// openEventLog connects every configured sink behind a bounded queue. A sink
// that cannot be reached is logged and skipped; publishing is best effort.
func (a *app) openEventLog(cfg config.EventLogConfig) eventlog.Publisher {
	var sinks eventlog.Multi
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := eventlog.NewKafkaPublisher(eventlog.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			a.logger.Warn("kafka event log disabled", "err", err)
		} else {
			sinks = append(sinks, kp)
			a.logger.Info("kafka event log enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		}
	}
	if cfg.NATS.URL != "" {
		np, err := eventlog.NewNATSPublisher(eventlog.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.Subject,
		})
		if err != nil {
			a.logger.Warn("nats event log disabled", "err", err)
		} else {
			sinks = append(sinks, np)
			a.logger.Info("nats event log enabled", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	async := eventlog.NewAsync(sinks, eventlog.AsyncConfig{
		QueueSize: cfg.QueueSize,
		Timeout:   cfg.Timeout,
		Logger:    a.logger,
	})
	a.closers = append(a.closers, async.Close)
	return async
}

// stop refuses new upgrades, closes every relay connection with a going-away
// frame, waits for the pumps and then releases backing services.
func (a *app) stop(ctx context.Context) error {
	timeout := a.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	var errs []error
	if err := server.ShutdownServer(a.http, timeout, a.logger); err != nil {
		errs = append(errs, err)
	}
	if err := a.hub.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	a.hubCancel()
	if err := a.server.Wait(timeout); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, a.closeAll())
	return errors.Join(errs...)
}

func (a *app) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
