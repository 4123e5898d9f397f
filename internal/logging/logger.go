// Package logging builds the component-scoped slog.Logger instances used
// throughout the orchestrator. All output goes to stderr so it never
// interferes with a protocol adapter's own stdio framing.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds a logger for the named component at the given level. Tests pass
// an io.Discard writer instead of stderr.
func New(component string, debug bool) *slog.Logger {
	return NewWithWriter(os.Stderr, component, debug)
}

func NewWithWriter(w io.Writer, component string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("component", component)
}

// Discard returns a logger that drops everything, for tests that don't care
// about log output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
