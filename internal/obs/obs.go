// Package obs wires structured logging for every subsystem in this module.
package obs

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New builds the process-wide logger. debug widens the level to Debug;
// otherwise Info and above is logged.
func New(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	})
	return slog.New(h)
}

// Component returns a child logger tagged with the owning subsystem, so log
// lines from the MLS driver, the subscription handler, and so on can be
// filtered independently.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}
