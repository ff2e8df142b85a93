package log

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
)

const (
	LevelTrace    = slog.Level(-8)
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarn     = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.Level(12)
)

// Logger is the handle passed explicitly through the proxy core. The zero value and a nil
// *Logger both discard everything, so a missing sink never crashes a caller.
type Logger struct {
	l *slog.Logger
}

func New(h slog.Handler) *Logger {
	if h == nil {
		return &Logger{}
	}
	return &Logger{l: slog.New(h)}
}

func FromSlog(l *slog.Logger) *Logger {
	return &Logger{l: l}
}

// Default follows whatever slog.Default() is at call time.
func Default() *Logger {
	return &Logger{l: slog.Default()}
}

func (lg *Logger) With(args ...any) *Logger {
	if lg == nil || lg.l == nil {
		return lg
	}
	return &Logger{l: lg.l.With(args...)}
}

func (lg *Logger) Enabled(level slog.Level) bool {
	return lg != nil && lg.l != nil && lg.l.Enabled(context.Background(), level)
}

func (lg *Logger) Log(level slog.Level, msg string, args ...any) {
	if lg == nil || lg.l == nil {
		return
	}
	lg.l.Log(context.Background(), level, msg, args...)
}

func (lg *Logger) Trace(msg string, args ...any) {
	lg.Log(LevelTrace, msg, args...)
}

func (lg *Logger) Debug(msg string, args ...any) {
	lg.Log(LevelDebug, msg, args...)
}

func (lg *Logger) Info(msg string, args ...any) {
	lg.Log(LevelInfo, msg, args...)
}

func (lg *Logger) Warn(msg string, args ...any) {
	lg.Log(LevelWarn, msg, args...)
}

func (lg *Logger) Error(msg string, args ...any) {
	lg.Log(LevelError, msg, args...)
}

func (lg *Logger) Critical(msg string, args ...any) {
	lg.Log(LevelCritical, msg, args...)
}

func (lg *Logger) InfoWithError(msg string, err error, args ...any) {
	lg.Log(LevelInfo, msg, append(args, "err", err)...)
	printStackTrace(err)
}

func (lg *Logger) ErrorWithError(msg string, err error, args ...any) {
	lg.Log(LevelError, msg, append(args, "err", err)...)
	printStackTrace(err)
}

func (lg *Logger) CriticalWithError(msg string, err error, args ...any) {
	lg.Log(LevelCritical, msg, append(args, "err", err)...)
	printStackTrace(err)
}

// Bytes dumps p in hex when level is enabled.
func (lg *Logger) Bytes(level slog.Level, msg string, p []byte) {
	if !lg.Enabled(level) {
		return
	}
	lg.Log(level, msg, "len", len(p), "dump", strings.TrimSuffix(hex.Dump(p), "\n"))
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "critical":
		return LevelCritical, nil
	}
	return LevelInfo, errors.Newf("unknown log level '%v'", s)
}

// ReplaceLevelNames makes slog print TRACE and CRITICAL instead of DEBUG-4 and ERROR+4.
func ReplaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch {
	case level < LevelDebug:
		a.Value = slog.StringValue("TRACE")
	case level >= LevelCritical:
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}
