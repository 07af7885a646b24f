package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the output format and level of the process logger.
type Options struct {
	// Env "dev" or "development" writes human-readable console lines;
	// anything else writes JSON.
	Env   string
	Level string
	Out   io.Writer
}

// New builds the structured logger shared by the server, engine and CLI.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = out
	switch strings.ToLower(opts.Env) {
	case "dev", "development":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(w).Level(ParseLevel(opts.Level)).With().
		Timestamp().
		Str("service", "postline").
		Logger()
}

// ParseLevel falls back to info for empty or unknown names.
func ParseLevel(name string) zerolog.Level {
	if strings.TrimSpace(name) == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Nop discards everything; tests and library callers use it as a default.
func Nop() zerolog.Logger { return zerolog.Nop() }
