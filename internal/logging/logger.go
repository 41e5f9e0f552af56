// Package logging constructs the service-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New creates a structured logger tagged with the service name.
// Unknown levels fall back to info.
func New(serviceName, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(os.Stderr).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
