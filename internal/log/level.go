package log

import (
	"log/slog"
	"strings"
)

// Custom log levels extending slog's standard levels.
const (
	// LevelTrace is more verbose than Debug.
	LevelTrace = slog.Level(-8)
	// LevelCritical is reserved for failures the process can't recover from.
	LevelCritical = slog.Level(12)
	// LevelOff disables a logger: no record is ever at or above it.
	LevelOff = slog.Level(1 << 30)
)

// ParseLevel converts a level name to slog.Level. Unknown names map to
// info and ok is false.
func ParseLevel(level string) (lvl slog.Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error", "err":
		return slog.LevelError, true
	case "critical":
		return LevelCritical, true
	case "off":
		return LevelOff, true
	default:
		return slog.LevelInfo, false
	}
}

// LevelName returns the long name of a level as written by the %l pattern flag.
func LevelName(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return "trace"
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warning"
	case l < LevelCritical:
		return "error"
	default:
		return "critical"
	}
}

// LevelShortName returns the one letter name written by the %L pattern flag.
func LevelShortName(l slog.Level) string {
	return strings.ToUpper(LevelName(l)[:1])
}

var levelColors = map[string]string{
	"trace":    "\033[37m",
	"debug":    "\033[36m",
	"info":     "\033[32m",
	"warning":  "\033[33m\033[1m",
	"error":    "\033[31m\033[1m",
	"critical": "\033[1m\033[41m",
}

const colorReset = "\033[m"
