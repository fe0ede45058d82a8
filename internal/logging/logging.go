// Package logging configures the structured loggers used across the runner:
// a text logger for the terminal and a JSON line logger for each run's logs/
// directory.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// NewCLI returns a text logger for terminal output
func NewCLI(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewRunLog returns a JSON logger writing line-oriented records to w,
// typically a file under the run's logs/ directory
func NewRunLog(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Tee returns a logger that writes every record to both loggers. Used so a
// run's engine events land in the run log and on the terminal.
func Tee(a, b *slog.Logger) *slog.Logger {
	return slog.New(teeHandler{a.Handler(), b.Handler()})
}

type teeHandler [2]slog.Handler

func (h teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h[0].Enabled(ctx, level) || h[1].Enabled(ctx, level)
}

func (h teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, inner := range h {
		if inner.Enabled(ctx, r.Level) {
			if err := inner.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{h[0].WithAttrs(attrs), h[1].WithAttrs(attrs)}
}

func (h teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{h[0].WithGroup(name), h[1].WithGroup(name)}
}
