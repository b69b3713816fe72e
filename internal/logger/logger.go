package logger

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// StdLogger adapts logger for APIs that want a *log.Logger, such as
// http.Server.ErrorLog. Lines are written at warn level.
func StdLogger(logger zerolog.Logger) *log.Logger {
	return log.New(warnWriter{logger: logger.With().Str("source", "stdlib").Logger()}, "", 0)
}

type warnWriter struct {
	logger zerolog.Logger
}

func (w warnWriter) Write(p []byte) (int, error) {
	w.logger.Warn().Msg(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
