package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Unknown levels fall back to info.
func New(level string, pretty bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, pretty)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
