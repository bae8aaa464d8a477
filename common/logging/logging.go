// Package logging builds the process-wide zerolog logger and hands out
// component sub-loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error. Default: info.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "json" (default) or "console" for human-readable output.
	Format string `mapstructure:"format" yaml:"format"`

	// Output is the destination writer. Defaults to os.Stderr.
	Output io.Writer `mapstructure:"-" yaml:"-"`
}

// New creates a zerolog.Logger from cfg and installs it as the global
// logger used by the zerolog/log package.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	logger := zerolog.New(out).Level(level).With().
		Timestamp().
		Str("app", "kioku").
		Logger()

	log.Logger = logger
	return logger, nil
}

// ParseLevel maps a textual level to a zerolog.Level. The empty string is info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Component returns a child of logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
