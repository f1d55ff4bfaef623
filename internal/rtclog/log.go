// Package rtclog provides structured, per-component logging backed by
// zerolog. Every tunnel package asks for its own named logger via
// Component(); fields are attached so log aggregation can filter by
// peerUser or channelId without string parsing.
package rtclog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
	With().
	Timestamp().
	Logger()

func init() {
	if os.Getenv("RAJANG_LOG_JSON") != "" {
		base = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// Component returns a logger tagged with the given component name, e.g.
// rtclog.Component("manager").
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// SetLevel configures the minimum level for all component loggers.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}
