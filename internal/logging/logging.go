package logging

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrTimezoneNotSet is returned when TZ is missing from the environment.
// Every timestamp the server emits must share one timezone, so logging
// refuses to initialize without it.
var ErrTimezoneNotSet = errors.New("TZ must be set before logging initializes")

// Config holds logger configuration.
type Config struct {
	Level       string // minimum log level: debug, info, warn, error
	Environment string // "production" selects JSON output, anything else pretty
	Service     string // service field stamped on every event
}

// New creates a structured zerolog logger.
//
// Production emits JSON lines; other environments get a human-readable
// console writer. The returned logger is passed by value into every
// component that needs one.
func New(cfg Config) (zerolog.Logger, error) {
	if os.Getenv("TZ") == "" {
		return zerolog.Nop(), ErrTimezoneNotSet
	}

	var level zerolog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "info", "":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		return zerolog.Nop(), errors.New("invalid log level: " + cfg.Level)
	}

	var output io.Writer = os.Stdout
	if cfg.Environment != "production" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	service := cfg.Service
	if service == "" {
		service = "chatd"
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	return logger, nil
}
