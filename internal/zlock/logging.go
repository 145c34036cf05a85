package zlock

import (
	"io"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the structured logger type used throughout the server, an
// alias for brevity at call sites.
type Logger = logiface.Logger[*izerolog.Event]

// NewLogger wires a logiface.Logger to a zerolog.Logger writing to w,
// mirroring logiface-zerolog's own example wiring
// (L.New(L.WithZerolog(...), L.WithLevel(...))).
func NewLogger(w io.Writer, level logiface.Level) *Logger {
	z := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.L.WithZerolog(z),
		logiface.WithLevel[*izerolog.Event](level),
	)
}

// discardLogger is used by tests that don't care about log output.
func discardLogger() *Logger {
	return NewLogger(io.Discard, logiface.LevelInformational)
}
