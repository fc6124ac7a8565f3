// Ambient structured logging setup: an slog.Logger using
// github.com/lmittmann/tint's colorized handler for terminal-friendly
// output. There is no plain-text handler variant.
package ejldb

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger builds a *slog.Logger using tint's colorized handler writing
// to w, for callers (notably cmd/ejldb) that want colorized terminal
// output. Open does not use it on its own: without a Config.Logger the
// engine logs to slog.Default().
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// ParseLogLevel maps the usual "debug"/"info"/"warn"/"error" flag values to
// a slog.Level, for use by a -log-level style command-line flag.
func ParseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("ejldb: unknown log level %q", s)
	}
}
