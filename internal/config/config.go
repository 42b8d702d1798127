// Package config loads the relay's YAML configuration, applies environment
// overrides and watches the file for changes.
//
// Loading order is defaults, then the YAML file, then environment variables,
// then validation. Secrets are never stored in the file: auth.secret_env
// names the environment variable holding the signing key.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr            = ":8080"
	DefaultMaxMessageSize  = 4096
	DefaultRateLimitBurst  = 5
	DefaultRefillInterval  = time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultOutboundBuffer  = 256
	DefaultCriticalBacklog = 128
	DefaultCallTimeout     = 5 * time.Second
	DefaultPresenceTTL     = 60 * time.Second
	DefaultEventLogTimeout = 2 * time.Second
	DefaultEventLogQueue   = 1024
	DefaultSecretEnv       = "RELAY_JWT_SECRET"
)

// Config is the root of the configuration file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	Auth     AuthConfig     `yaml:"auth"`
	Store    StoreConfig    `yaml:"store"`
	Presence PresenceConfig `yaml:"presence"`
	EventLog EventLogConfig `yaml:"eventlog"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP and WebSocket transport.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// AllowedOrigins lists the origins allowed to open a WebSocket. "*"
	// allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxMessageSize bounds one inbound frame, in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RateLimitConfig is a token bucket applied to each connection's inbound
// frames.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// RelayConfig configures the delivery core.
type RelayConfig struct {
	OutboundBuffer   int           `yaml:"outbound_buffer"`
	CriticalBacklog  int           `yaml:"critical_backlog"`
	AuthorizeTimeout time.Duration `yaml:"authorize_timeout"`
	RecordTimeout    time.Duration `yaml:"record_timeout"`
	RecheckOnSend    bool          `yaml:"recheck_on_send"`
}

// AuthConfig configures token validation.
type AuthConfig struct {
	SecretEnv string        `yaml:"secret_env"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Secret reads the signing key from the environment.
func (a AuthConfig) Secret() string {
	if a.SecretEnv == "" {
		return ""
	}
	return os.Getenv(a.SecretEnv)
}

// StoreConfig selects the relational store.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PresenceConfig configures Redis presence. An empty RedisAddr disables it.
type PresenceConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// EventLogConfig configures where accepted messages are published. Either
// sink may be left empty.
type EventLogConfig struct {
	Kafka   KafkaConfig   `yaml:"kafka"`
	NATS    NATSConfig    `yaml:"nats"`
	Timeout time.Duration `yaml:"timeout"`
	// QueueSize is how many accepted messages may wait for the sinks before
	// new ones are dropped.
	QueueSize int `yaml:"queue_size"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// Load reads the config file at path. An empty path loads defaults and
// environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           DefaultAddr,
			AllowedOrigins: []string{"http://localhost:8080"},
			MaxMessageSize: DefaultMaxMessageSize,
			RateLimit: RateLimitConfig{
				Burst:          DefaultRateLimitBurst,
				RefillInterval: DefaultRefillInterval,
			},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Relay: RelayConfig{
			OutboundBuffer:   DefaultOutboundBuffer,
			CriticalBacklog:  DefaultCriticalBacklog,
			AuthorizeTimeout: DefaultCallTimeout,
			RecordTimeout:    DefaultCallTimeout,
			RecheckOnSend:    true,
		},
		Auth: AuthConfig{
			SecretEnv: DefaultSecretEnv,
			Issuer:    "nexus-relay",
			TokenTTL:  24 * time.Hour,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "relay.db",
		},
		Presence: PresenceConfig{
			TTL:       DefaultPresenceTTL,
			KeyPrefix: "user:",
		},
		EventLog: EventLogConfig{
			Kafka:     KafkaConfig{Topic: "chat-messages"},
			NATS:      NATSConfig{Subject: "relay.messages"},
			Timeout:   DefaultEventLogTimeout,
			QueueSize: DefaultEventLogQueue,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnv overrides cfg from the environment. Malformed numeric values are
// reported rather than silently ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if port, ok := lookup("SERVER_PORT"); ok && port != "" {
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		cfg.Server.Addr = port
	}
	if addr, ok := lookup("SERVER_ADDR"); ok && addr != "" {
		cfg.Server.Addr = addr
	}
	if origins, ok := lookup("ALLOWED_ORIGINS"); ok && origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}
	if v, ok := lookup("MAX_MESSAGE_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_MESSAGE_SIZE: %w", err)
		}
		cfg.Server.MaxMessageSize = n
	}
	if v, ok := lookup("RATE_LIMIT_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_BURST: %w", err)
		}
		cfg.Server.RateLimit.Burst = n
	}
	if v, ok := lookup("RATE_LIMIT_REFILL_INTERVAL"); ok && v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_REFILL_INTERVAL: %w", err)
		}
		cfg.Server.RateLimit.RefillInterval = d
	}
	if v, ok := lookup("STORE_DRIVER"); ok && v != "" {
		cfg.Store.Driver = v
	}
	if v, ok := lookup("STORE_DSN"); ok && v != "" {
		cfg.Store.DSN = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		cfg.Presence.RedisAddr = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		cfg.EventLog.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("NATS_URL"); ok {
		cfg.EventLog.NATS.URL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// parseInterval accepts a Go duration ("500ms") or a whole number of seconds.
func parseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if cfg.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if cfg.Server.RateLimit.Burst <= 0 {
		return fmt.Errorf("server.rate_limit.burst must be positive")
	}
	if cfg.Server.RateLimit.RefillInterval <= 0 {
		return fmt.Errorf("server.rate_limit.refill_interval must be positive")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if cfg.Relay.OutboundBuffer <= 0 {
		return fmt.Errorf("relay.outbound_buffer must be positive")
	}
	if cfg.Relay.CriticalBacklog <= 0 || cfg.Relay.CriticalBacklog > cfg.Relay.OutboundBuffer {
		return fmt.Errorf("relay.critical_backlog must be between 1 and relay.outbound_buffer")
	}
	if cfg.Relay.AuthorizeTimeout <= 0 || cfg.Relay.RecordTimeout <= 0 {
		return fmt.Errorf("relay timeouts must be positive")
	}
	if cfg.Auth.SecretEnv == "" {
		return fmt.Errorf("auth.secret_env is required")
	}
	switch cfg.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if cfg.Presence.RedisAddr != "" && cfg.Presence.TTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if len(cfg.EventLog.Kafka.Brokers) > 0 && cfg.EventLog.Kafka.Topic == "" {
		return fmt.Errorf("eventlog.kafka.topic is required when brokers are set")
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
	return nil
}
