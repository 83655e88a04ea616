// Package logging provides the zerolog constructors shared by the agent's
// components. Output is JSON on stdout when running as a service and a
// console writer when attached to a terminal.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the root logger for the given role label at the given level.
// Unknown levels fall back to info rather than failing: the level string is
// validated by the configuration layer before it gets here, so a bad value
// only occurs before any config has been loaded.
func New(role, level string, console bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	return zerolog.New(out).Level(lvl).With().
		Timestamp().
		Str("role", role).
		Logger()
}

// Nop returns a logger that discards everything. For tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
