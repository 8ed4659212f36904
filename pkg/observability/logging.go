// Package observability provides structured logging and metrics wiring for
// the memory manager. Logging is log/slog with a configurable handler;
// metrics are OpenTelemetry instruments exported through a Prometheus
// registry for pull-based scraping.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Log output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// attrComponent tags every record of a component logger.
const attrComponent = "component"

// LogConfig selects the logger's level and output format.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Format is one of text, json.
	Format string
}

// NewLogger builds the root logger writing to w.
func NewLogger(w io.Writer, cfg LogConfig) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	case FormatText, "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return slog.New(handler), nil
}

// Component derives a child logger tagged with a component name, so log lines
// from the allocator, balancer, and cycle driver are distinguishable.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return logger.With(slog.String(attrComponent, name))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
