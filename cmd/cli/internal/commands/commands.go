package commands

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Globals struct {
	Debug   bool
	Version string
}

func consoleLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}
