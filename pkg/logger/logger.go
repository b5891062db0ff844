package logger

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log" // zerolog's global logger
)

var verbose atomic.Bool

// InitLogger configures zerolog's global logger.
// format "json" keeps zerolog's default JSON output; anything else uses the console writer.
// development turns on verbose failure logging in the retry paths regardless of level.
func InitLogger(levelStr, format string, development bool) {
	InitLoggerTo(os.Stderr, levelStr, format, development)
}

// InitLoggerTo is InitLogger with an explicit destination.
func InitLoggerTo(w io.Writer, levelStr, format string, development bool) {
	level := ParseLevel(levelStr)
	zerolog.SetGlobalLevel(level)

	if format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}

	verbose.Store(development || level <= zerolog.DebugLevel)

	log.Debug().Str("logFormat", format).Str("logLevel", level.String()).Bool("development", development).Msg("Logger initialized")
}

// ParseLevel maps LOG_LEVEL values to zerolog levels, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// Verbose reports whether development logging is on.
func Verbose() bool {
	return verbose.Load()
}

// SetVerbose overrides the development flag.
func SetVerbose(v bool) {
	verbose.Store(v)
}
