package reactor

import (
	"os"

	"github.com/rs/zerolog"
)

// Level is a log severity, ordered least to most severe.
type Level int

const (
	LevelDebug Level = iota
	LevelAccess
	LevelInfo
	LevelWarning
	LevelError
	LevelSevere
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelAccess:
		return "access"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// Logger is the collaborator every component logs through. Server
// accepts one via WithLogger; a default is used otherwise so a
// zero-configuration Server still produces sensible output.
type Logger interface {
	Log(level Level, message string)
}

// zerologLogger is the built-in default Logger, backed by zerolog.
type zerologLogger struct {
	l zerolog.Logger
}

func newDefaultLogger() Logger {
	return &zerologLogger{l: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()}
}

func (z *zerologLogger) Log(level Level, message string) {
	switch level {
	case LevelDebug:
		z.l.Debug().Msg(message)
	case LevelAccess:
		z.l.Info().Str("kind", "access").Msg(message)
	case LevelInfo:
		z.l.Info().Msg(message)
	case LevelWarning:
		z.l.Warn().Msg(message)
	case LevelError:
		z.l.Error().Msg(message)
	case LevelSevere:
		z.l.WithLevel(zerolog.FatalLevel).Msg(message)
	default:
		z.l.Info().Msg(message)
	}
}

// diagLog carries the reactor goroutine's own start-up/shutdown/fatal
// diagnostics, independent of the collaborator Logger a Request/Response
// path uses. It always goes to stderr regardless of what any per-request
// logger is doing.
var diagLog = zerolog.New(os.Stderr).With().Timestamp().Str("component", "reactor").Logger()
