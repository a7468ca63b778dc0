// Package logging configures the global zerolog logger.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv selects the log level: debug, info, warn, error (default: info).
const LevelEnv = "MEDIAQUERY_LOG_LEVEL"

// Init initializes the global logger from the environment. Inside Lambda the
// output stays JSON so CloudWatch can index the fields; elsewhere it is a
// console writer on stderr, keeping stdout free for results.
func Init() {
	zerolog.SetGlobalLevel(ParseLevel(os.Getenv(LevelEnv)))

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// ParseLevel maps a level name onto a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
