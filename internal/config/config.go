// Package config loads and validates the gateway's process configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration, sourced from environment
// variables (with struct-tag defaults) and an optional local .env file.
type Config struct {
	// Server basics
	Addr             string        `env:"GATEWAY_ADDR" envDefault:":3002"`
	WSPath           string        `env:"GATEWAY_WS_PATH" envDefault:"/api/ws"`
	HTTPReadTimeout  time.Duration `env:"GATEWAY_HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"GATEWAY_HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	HTTPIdleTimeout  time.Duration `env:"GATEWAY_HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Capacity. MaxConnections <= 0 means "derive from cgroup memory limit".
	MaxConnections int `env:"GATEWAY_MAX_CONNECTIONS" envDefault:"0"`

	// Envelope codec (§4.A)
	MaxEnvelopeBytes int `env:"GATEWAY_MAX_ENVELOPE_BYTES" envDefault:"65536"`

	// Connection (§4.D)
	HeartbeatInterval   time.Duration `env:"GATEWAY_HEARTBEAT_INTERVAL" envDefault:"30s"`
	WriteWait           time.Duration `env:"GATEWAY_WRITE_WAIT" envDefault:"5s"`
	PongWait            time.Duration `env:"GATEWAY_PONG_WAIT" envDefault:"30s"`
	OutboundQueueSize   int           `env:"GATEWAY_OUTBOUND_QUEUE_SIZE" envDefault:"1024"`
	SlowConsumerTimeout time.Duration `env:"GATEWAY_SLOW_CONSUMER_TIMEOUT" envDefault:"5s"`
	ShutdownGracePeriod time.Duration `env:"GATEWAY_SHUTDOWN_GRACE_PERIOD" envDefault:"5s"`

	// Rate limiting (§4.C)
	ConnTokenBucketCapacity float64 `env:"GATEWAY_CONN_BUCKET_CAPACITY" envDefault:"30"`
	ConnTokenRefillRate     float64 `env:"GATEWAY_CONN_BUCKET_REFILL_RATE" envDefault:"10"`
	HandshakeIPBurst        int     `env:"GATEWAY_HANDSHAKE_IP_BURST" envDefault:"5"`
	HandshakeIPRate         float64 `env:"GATEWAY_HANDSHAKE_IP_RATE" envDefault:"5"`
	HandshakeIPTTL          time.Duration `env:"GATEWAY_HANDSHAKE_IP_TTL" envDefault:"5m"`

	// Dispatcher (§4.F)
	RequestTimeout time.Duration `env:"GATEWAY_REQUEST_TIMEOUT" envDefault:"10s"`

	// Auth (§4.B)
	JWTSecret       string        `env:"GATEWAY_JWT_SECRET,required"`
	SessionCookie   string        `env:"GATEWAY_SESSION_COOKIE" envDefault:"session"`
	TokenQueryParam string        `env:"GATEWAY_TOKEN_QUERY_PARAM" envDefault:"token"`
	DeviceIDHeader  string        `env:"GATEWAY_DEVICE_ID_HEADER" envDefault:"x-device-id"`

	// Session revocation cache (Redis)
	RedisURL            string        `env:"GATEWAY_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RevocationCacheTTL   time.Duration `env:"GATEWAY_REVOCATION_TTL" envDefault:"24h"`

	// Offline queue (pgx / Postgres, §4.I)
	PostgresDSN            string        `env:"GATEWAY_POSTGRES_DSN" envDefault:"postgres://localhost:5432/gateway"`
	OfflineRetention        time.Duration `env:"GATEWAY_OFFLINE_RETENTION" envDefault:"168h"`
	OfflineMaxPerPrincipal  int           `env:"GATEWAY_OFFLINE_MAX_PER_PRINCIPAL" envDefault:"500"`

	// NATS pub/sub collaborator seam (§11)
	NATSEnabled bool   `env:"GATEWAY_NATS_ENABLED" envDefault:"false"`
	NATSURL     string `env:"GATEWAY_NATS_URL" envDefault:"nats://localhost:4222"`

	// Observability
	MetricsInterval time.Duration `env:"GATEWAY_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a local .env file (if present) and then
// from the environment, validating the result before returning it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate rejects contradictory or out-of-range configuration before the
// gateway starts listening.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GATEWAY_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxEnvelopeBytes <= 0 {
		return fmt.Errorf("GATEWAY_MAX_ENVELOPE_BYTES must be > 0")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("GATEWAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if c.SlowConsumerTimeout <= 0 {
		return fmt.Errorf("GATEWAY_SLOW_CONSUMER_TIMEOUT must be > 0")
	}
	if c.ConnTokenBucketCapacity <= 0 || c.ConnTokenRefillRate <= 0 {
		return fmt.Errorf("GATEWAY_CONN_BUCKET_CAPACITY and GATEWAY_CONN_BUCKET_REFILL_RATE must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("GATEWAY_REQUEST_TIMEOUT must be > 0")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("GATEWAY_JWT_SECRET is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json/pretty, got %q", c.LogFormat)
	}

	return nil
}

// LogConfig emits the loaded configuration as a structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("request_timeout", c.RequestTimeout).
		Bool("nats_enabled", c.NATSEnabled).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
