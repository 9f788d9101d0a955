// Package logging builds the process-wide zerolog.Logger, replacing the
// teacher's plain log.Println calls with leveled, structured output
// (spec §10.1). Observation raw_payload is never logged; call sites log
// only an observation's id and content hash.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds a console-pretty logger when LOG_PRETTY=true and a compact
// JSON logger otherwise, matching the level set by LOG_LEVEL (default "info").
func New(serviceName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output = os.Stdout
	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	if os.Getenv("LOG_PRETTY") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: output})
	}
	return logger
}
