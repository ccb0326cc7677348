// Package logging defines the structured logger used across the engine.
package logging

import (
	"log/slog"

	"go.uber.org/zap"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library,
// so applications can pass slog directly or adapt their own logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Default returns the default slog logger from the standard library.
func Default() Logger {
	return slog.Default()
}

// NewZap adapts a zap logger. Arguments are alternating key/value pairs, as with slog.
func NewZap(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (z *zapLogger) Debug(msg string, args ...any) { z.s.Debugw(msg, args...) }
func (z *zapLogger) Info(msg string, args ...any)  { z.s.Infow(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...any)  { z.s.Warnw(msg, args...) }
func (z *zapLogger) Error(msg string, args ...any) { z.s.Errorw(msg, args...) }

// Nop discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
