// Package obs provides the process-wide structured logger.
package obs

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds a zerolog logger, pretty-printed on a terminal and JSON
// otherwise, tagged with the service name for aggregation.
func NewLogger(service string) *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Str("service", service).
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", service).
			Logger()
	}

	return &logger
}

// SetLevel updates the global log level from a string such as "debug" or
// "warn"; unknown values fall back to info and are logged as a warning.
func SetLevel(logger *zerolog.Logger, levelStr string) {
	if levelStr == "" {
		levelStr = "info"
	}

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
		logger.Warn().Str("configured_level", levelStr).Msg("unknown log level, defaulting to info")
	}

	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
}

func isTerminal() bool {
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
