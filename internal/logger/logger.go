// Package logger builds the zerolog loggers used by the binaries and carries
// them through contexts.
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Output formats accepted by NewWithFormat.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type ctxKey struct{}

// New creates a console logger at info level.
func New() zerolog.Logger {
	return NewWithFormat("info", FormatConsole)
}

// NewWithFormat creates a logger on stdout at the named level. Unknown levels
// fall back to info, unknown formats to console.
func NewWithFormat(level, format string) zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	if format == FormatJSON {
		out = os.Stdout
	}
	return NewWithWriter(out).Level(parseLevel(level))
}

// NewWithWriter creates a JSON logger writing to w.
func NewWithWriter(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// WithContext adds the logger to the context.
func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the context's logger, or a console logger when none
// was set.
func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return log
	}
	return New()
}

// WithSync returns ctx carrying a logger tagged with the sync and the record
// it runs for.
func WithSync(ctx context.Context, syncID, syncableType, syncableID string) context.Context {
	log := FromContext(ctx).With().
		Str("sync_id", syncID).
		Str("syncable_type", syncableType).
		Str("syncable_id", syncableID).
		Logger()
	return WithContext(ctx, log)
}

// WithJob tags the context's logger with a queued job.
func WithJob(ctx context.Context, jobID, jobType string, attempt int) context.Context {
	log := FromContext(ctx).With().
		Str("job_id", jobID).
		Str("job_type", jobType).
		Int("attempt", attempt).
		Logger()
	return WithContext(ctx, log)
}
