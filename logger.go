// logger.go - zerolog setup shared by all components

package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Debug enables trace-level
// register traffic, which is far too chatty for normal runs.
func NewLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.TraceLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.0000"}
	return zerolog.New(output).With().Timestamp().Logger()
}

// NopLogger discards everything; tests that do not assert on log output
// use it to keep the run quiet.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}
