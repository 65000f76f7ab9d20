// Package logging builds the slog loggers used across ExamCast and holds
// the attribute keys every component logs with.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger writes to stderr. See NewLoggerWithWriter.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter builds a text or json slog handler on w. Level and
// format names are case-insensitive; anything unknown means info and text.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l
	}
	return slog.LevelInfo
}

// IsValidLevel reports whether ParseLevel knows level.
func IsValidLevel(level string) bool {
	_, ok := levels[strings.ToLower(level)]
	return ok
}

// IsValidFormat accepts "text" and "json".
func IsValidFormat(format string) bool {
	f := strings.ToLower(format)
	return f == "text" || f == "json"
}

// NopLogger discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Attribute keys shared by all components.
const (
	KeyComponent = "component"
	KeyPeerAddr  = "peer_addr"
	KeyPacketID  = "packet_id"
	KeySessionID = "session_id"
	KeyRole      = "role"
	KeyTTL       = "ttl"
	KeyTransport = "transport"
	KeyAddress   = "address"
	KeyReason    = "reason"
	KeyError     = "error"
	KeyCount     = "count"
	KeyDuration  = "duration"
)
