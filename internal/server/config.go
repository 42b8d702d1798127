package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/config"
)

// RateLimitConfig defines the parameters for per-connection inbound rate
// limiting: Burst frames, refilled over RefillInterval.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Settings are the transport knobs that may change while the server runs.
// Connections opened after Apply use the new values.
type Settings struct {
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: config.DefaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          config.DefaultRateLimitBurst,
			RefillInterval: config.DefaultRefillInterval,
		},
	}
}

// SettingsFrom extracts the live settings from a loaded configuration.
func SettingsFrom(cfg config.ServerConfig) Settings {
	return Settings{
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
	}
}

func sanitizeSettings(s Settings) Settings {
	def := DefaultSettings()
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = def.MaxMessageSize
	}
	if s.RateLimit.Burst <= 0 {
		s.RateLimit.Burst = def.RateLimit.Burst
	}
	if s.RateLimit.RefillInterval <= 0 {
		s.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	return s
}

// liveSettings guards the active settings and the origin lookup derived from
// them.
type liveSettings struct {
	mu              sync.RWMutex
	active          Settings
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
}

func (l *liveSettings) apply(s Settings, logger *slog.Logger) Settings {
	s = sanitizeSettings(s)
	normalized, allowAll := normalizeOrigins(s.AllowedOrigins, logger)
	s.AllowedOrigins = normalized

	l.mu.Lock()
	defer l.mu.Unlock()

	l.active = s
	l.allowAllOrigins = allowAll
	l.allowedOrigins = make(map[string]struct{}, len(normalized))
	for _, origin := range normalized {
		l.allowedOrigins[origin] = struct{}{}
	}
	return s
}

func (l *liveSettings) current() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.active
	s.AllowedOrigins = append([]string(nil), s.AllowedOrigins...)
	return s
}
