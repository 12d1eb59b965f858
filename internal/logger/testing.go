package logger

import (
	"io"
	"log/slog"
	"time"
)

// NewWriterLogger returns a Logger that writes text records to w at the given level.
// Tests use it with a bytes.Buffer to assert on log output.
func NewWriterLogger(w io.Writer, level LogLevel) Logger {
	return &moduleLogger{
		logger: slog.New(newTextHandler(w, parseSlogLevel(level), time.UTC)),
		level:  parseSlogLevel(level),
	}
}

// NewDiscardLogger returns a Logger that drops every record.
func NewDiscardLogger() Logger {
	return NewWriterLogger(io.Discard, LogLevelError)
}
