package logger

import (
	"log/slog"
	"os"
)

// New returns a structured text logger at the given level writing to stdout.
func New(level int) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.Level(level),
	}))
}
