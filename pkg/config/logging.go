package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggingConfig configures the process logger.
//
// Example:
//
//	logging:
//	  level: info
//	  format: text
//	  file: relator.log
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`

	// File receives log output when set; stderr otherwise.
	File string `yaml:"file,omitempty"`

	// AddSource attaches file:line to every record.
	AddSource bool `yaml:"add_source,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (valid: text, json)", c.Format)
	}
	return nil
}

// BuildLogger constructs the slog logger the process uses. The returned
// closer is non-nil when a log file was opened.
func (c *LoggingConfig) BuildLogger() (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer
	if c.File != "" {
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", c.File, err)
		}
		out = f
		closer = f
	}

	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: c.AddSource}
	var handler slog.Handler
	if strings.ToLower(c.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}
