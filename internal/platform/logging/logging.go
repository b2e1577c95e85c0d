package logging

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the root logger. Development gets the console writer, every other
// environment gets JSON on stdout.
func New(env, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// FromContext returns the request-scoped logger stored in ctx by the logger
// middleware, or fallback when ctx carries none.
func FromContext(ctx context.Context, fallback zerolog.Logger) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &fallback
}
