// Package logging builds the service's zerolog logger and adapts it to the
// fetchcache.ErrorLogger interface.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"github.com/rs/zerolog"
)

// Output formats accepted by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds a logger writing to w at the given level. An empty level means
// info and an empty format means JSON.
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	switch strings.ToLower(format) {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// ErrorLogger writes failure records as zerolog error events.
type ErrorLogger struct {
	logger zerolog.Logger
}

// NewErrorLogger creates an ErrorLogger.
func NewErrorLogger(logger zerolog.Logger) *ErrorLogger {
	return &ErrorLogger{logger: logger.With().Str("component", "CachingFetcher").Logger()}
}

// LogError emits one error event carrying kind, message and every field.
func (l *ErrorLogger) LogError(kind fetch.Kind, message string, fields map[string]any) {
	ev := l.logger.Error()
	if kind == fetch.KindCacheBackend {
		// The caller degrades to a direct fetch, so the request still succeeds.
		ev = l.logger.Warn()
	}
	ev.Str("kind", string(kind)).Fields(fields).Msg(message)
}
