package logging

import (
	"log/slog"
	"os"
)

// InitLogger builds the process-wide JSON logger. Source locations are on
// because log lines are the primary debugging tool for live-call issues.
func InitLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(handler)
}

// NewComponentLogger tags every line with the emitting component so one
// call's interleaved STT/TTS/dispatch output can be filtered apart.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	return base.With(slog.String("component", component))
}
