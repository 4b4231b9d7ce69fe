package config

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger from DUET_LOG_LEVEL and
// DUET_LOG_FORMAT ("text" for console output, JSON otherwise). Unknown
// levels fall back to info.
func SetupLogging(out io.Writer) {
	if out == nil {
		out = os.Stdout
	}

	level, parseErr := zerolog.ParseLevel(os.Getenv("DUET_LOG_LEVEL"))
	if parseErr != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("DUET_LOG_FORMAT") == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	}
}
