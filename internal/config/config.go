// Package config loads server configuration from the environment.
// Priority: environment variables > .env file > defaults.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
type Config struct {
	// Server basics
	Host string `env:"CHAT_HOST" envDefault:"127.0.0.1"`
	Port string `env:"CHAT_PORT" envDefault:"8080"`

	// Capacity
	MaxConnections int `env:"CHAT_MAX_CONNECTIONS" envDefault:"10000"`
	RoomBuffer     int `env:"CHAT_ROOM_BUFFER" envDefault:"65535"`
	OutboundBuffer int `env:"CHAT_OUTBOUND_BUFFER" envDefault:"256"`

	// Per-connection message pacing
	MessageRate  int `env:"CHAT_MSG_RATE" envDefault:"10"`
	MessageBurst int `env:"CHAT_MSG_BURST" envDefault:"20"`

	// Safety thresholds (emergency brakes; zero disables)
	CPURejectThreshold float64 `env:"CHAT_CPU_REJECT_THRESHOLD" envDefault:"0"`
	MemoryLimit        int64   `env:"CHAT_MEMORY_LIMIT" envDefault:"0"`

	// Monitoring
	MetricsAddr     string        `env:"CHAT_METRICS_ADDR" envDefault:"127.0.0.1:9090"`
	MetricsInterval time.Duration `env:"CHAT_METRICS_INTERVAL" envDefault:"15s"`

	// Environment and logging
	Environment string `env:"CHAT_APP_ENV" envDefault:"development"`
	LogLevel    string `env:"CHAT_APP_LOG_LEVEL" envDefault:"info"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Load reads configuration from an optional .env file and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	// The .env file is a development convenience; production deployments
	// pass environment variables directly.
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

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("CHAT_HOST is required")
	}
	if c.Port == "" {
		return fmt.Errorf("CHAT_PORT is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CHAT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.RoomBuffer < 1 {
		return fmt.Errorf("CHAT_ROOM_BUFFER must be > 0, got %d", c.RoomBuffer)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CHAT_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("CHAT_APP_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	return nil
}

// LogConfig emits the loaded configuration as one structured event.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr()).
		Int("max_connections", c.MaxConnections).
		Int("room_buffer", c.RoomBuffer).
		Int("outbound_buffer", c.OutboundBuffer).
		Int("message_rate", c.MessageRate).
		Int("message_burst", c.MessageBurst).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int64("memory_limit", c.MemoryLimit).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Msg("Server configuration loaded")
}
