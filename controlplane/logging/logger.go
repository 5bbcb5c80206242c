// Package logging provides the concrete structured logger for the control plane.
//
// Every control-plane package accepts a minimal Logger interface
// (Debug/Info/Warn/Error with alternating key/value pairs) so components stay
// decoupled from the logging backend. This package supplies the zap-backed
// implementation used by binaries, plus a no-op logger for tests.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface used across the control plane.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ZapLogger implements Logger on top of a zap.SugaredLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger creates a production zap logger at the given level.
// Level accepts "debug", "info", "warn", "error" (case-insensitive).
func NewZapLogger(level string) (*ZapLogger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.DisableStacktrace = true

	base, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &ZapLogger{sugar: base.Sugar()}, nil
}

// NewDevelopmentLogger creates a human-readable logger for local runs.
func NewDevelopmentLogger() (*ZapLogger, error) {
	base, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &ZapLogger{sugar: base.Sugar()}, nil
}

// Debug implements Logger.
func (l *ZapLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info implements Logger.
func (l *ZapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn implements Logger.
func (l *ZapLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error implements Logger.
func (l *ZapLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Sync flushes buffered log entries. Call before process exit.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// NopLogger discards all log output. Useful in tests.
type NopLogger struct{}

// NewNop returns a logger that discards everything.
func NewNop() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Ensure implementations satisfy the interface.
var (
	_ Logger = (*ZapLogger)(nil)
	_ Logger = (*NopLogger)(nil)
)
