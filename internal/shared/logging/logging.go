// Package logging configures the process-wide zerolog logger and holds
// the redaction helper used everywhere a credential secret could leak
// into a log line.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger writing JSON to w. In development the output is
// switched to the human-readable console writer.
func New(w io.Writer, level, env string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	if env == "development" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// NewDefault builds a logger writing to stderr.
func NewDefault(level, env string) zerolog.Logger {
	return New(os.Stderr, level, env)
}

// RedactSecret returns a loggable form of an API secret: only the last
// four characters survive. Secrets are never logged in full.
func RedactSecret(secret string) string {
	if len(secret) <= 4 {
		return "...."
	}
	return "..." + secret[len(secret)-4:]
}
