package methpacker

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with methpacker-specific fields.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithStore adds the store path to the logger.
func (l *Logger) WithStore(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("store", path),
	}
}

// LogBuild logs the outcome of an index build.
func (l *Logger) LogBuild(ctx context.Context, input string, workers int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "build failed",
			"input", input,
			"workers", workers,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "build completed",
			"input", input,
			"workers", workers,
			"elapsed", elapsed,
		)
	}
}

// LogFetch logs a fetch operation.
func (l *Logger) LogFetch(ctx context.Context, chrom string, start, end, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "fetch failed",
			"chrom", chrom,
			"start", start,
			"end", end,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "fetch completed",
			"chrom", chrom,
			"start", start,
			"end", end,
			"results", results,
		)
	}
}
