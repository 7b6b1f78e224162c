// Package logging builds the slog loggers used across alpd.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a logger writing to stderr.
// Levels: debug, info, warn, error. Formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter returns a logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns logger (or a no-op logger when nil) tagged with a component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(KeyComponent, name)
}

// Attribute keys shared by all packages.
const (
	KeyComponent = "component"
	KeyError     = "error"
	KeyFileID    = "file_id"
	KeyOffset    = "offset"
	KeyLength    = "length"
	KeyBackend   = "backend"
	KeySlot      = "slot"
	KeyTransID   = "trans_id"
	KeyTagID     = "tag_id"
	KeyOrigin    = "origin"
	KeyOpcode    = "opcode"
	KeyStatus    = "status"
	KeyInterface = "interface"
	KeyAddress   = "address"
	KeyClient    = "client"
	KeyDuration  = "duration"
	KeyCount     = "count"
)
