/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls the process logger.
type Options struct {
	Environment string
	// Level overrides the environment default when it parses.
	Level string
	// Format is "console" or "json".
	Format string
	// Out defaults to stdout.
	Out io.Writer
}

// Setup configures zerolog for the process.
func Setup(environment string) zerolog.Logger {
	return SetupWithOptions(Options{Environment: environment})
}

// SetupWithOptions configures zerolog and installs the result as the global logger.
func SetupWithOptions(opts Options) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	var writer io.Writer = out
	if !strings.EqualFold(opts.Format, "json") {
		// Console writer for human-readable output
		writer = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(writer).With().Timestamp().Str("service", "foreman").Logger().Level(level(opts))
	log.Logger = logger
	return logger
}

func level(opts Options) zerolog.Level {
	if opts.Level != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level)); err == nil {
			return lvl
		}
	}
	if opts.Environment == "development" {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
