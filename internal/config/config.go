package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Port int `env:"PORT" envDefault:"8080"`

	// KVPS (directory + pub/sub) backend.
	// KVPS_URL wins when set; otherwise host/port are combined.
	KVPSURL  string `env:"KVPS_URL"`
	KVPSHost string `env:"KVPS_HOST" envDefault:"localhost"`
	KVPSPort int    `env:"KVPS_PORT" envDefault:"6379"`

	// Bounded timeout applied to every KVPS operation so a slow store
	// can never hang an ingress goroutine.
	KVPSTimeout time.Duration `env:"KVPS_TIMEOUT" envDefault:"5s"`

	// Cluster
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`

	// Enabled fan-out services, comma separated subset of
	// chat,presence,cursor,reaction.
	EnabledServices string `env:"ENABLED_SERVICES" envDefault:"chat,presence,cursor,reaction"`

	// Service tuning
	PresenceTimeout time.Duration `env:"PRESENCE_TIMEOUT" envDefault:"60s"`
	CursorTTL       time.Duration `env:"CURSOR_TTL" envDefault:"30s"`
	CursorCleanup   time.Duration `env:"CURSOR_CLEANUP" envDefault:"10s"`
	CursorThrottle  time.Duration `env:"CURSOR_THROTTLE" envDefault:"250ms"`

	// Per-client egress buffer; on overflow the client is disconnected
	// with close code 1013.
	SendBuffer int `env:"SEND_BUFFER" envDefault:"256"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

var knownServices = map[string]bool{
	"chat":     true,
	"presence": true,
	"cursor":   true,
	"reaction": true,
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be >= 1s, got %s", c.HeartbeatInterval)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.CursorCleanup <= 0 || c.CursorTTL <= 0 || c.CursorThrottle <= 0 {
		return fmt.Errorf("cursor intervals must be > 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	for _, svc := range c.Services() {
		if !knownServices[svc] {
			return fmt.Errorf("ENABLED_SERVICES contains unknown service %q", svc)
		}
	}

	return nil
}

// KVPSAddr returns the host:port of the KVPS backend.
func (c *Config) KVPSAddr() string {
	if c.KVPSURL != "" {
		return strings.TrimPrefix(c.KVPSURL, "redis://")
	}
	return fmt.Sprintf("%s:%d", c.KVPSHost, c.KVPSPort)
}

// Services returns the enabled service names, normalized.
func (c *Config) Services() []string {
	result := []string{}
	for _, s := range strings.Split(c.EnabledServices, ",") {
		trimmed := strings.ToLower(strings.TrimSpace(s))
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Str("kvps_addr", c.KVPSAddr()).
		Dur("kvps_timeout", c.KVPSTimeout).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Strs("enabled_services", c.Services()).
		Dur("presence_timeout", c.PresenceTimeout).
		Dur("cursor_ttl", c.CursorTTL).
		Dur("cursor_cleanup", c.CursorCleanup).
		Dur("cursor_throttle", c.CursorThrottle).
		Int("send_buffer", c.SendBuffer).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
