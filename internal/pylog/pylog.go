// Package pylog builds the zap.Logger pykernel's Session and worker use,
// selecting level from Config.LogLevel the way the pack's process managers
// build a *zap.Logger around a subprocess (e.g. zmux-server's processmgr).
package pylog

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-encoder zap.Logger at the given level. An
// unrecognized or empty level falls back to "info". Pass "" to get the
// default.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "", "info":
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}

// NoOp returns a logger that discards everything, for callers (tests,
// library consumers that supply their own logger) that want zero overhead.
func NoOp() *zap.Logger {
	return zap.NewNop()
}
