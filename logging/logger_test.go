package logging

import (
	"log/slog"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_Interface(t *testing.T) {
	var _ Logger = slog.Default()
}

func TestDefaultLogger(t *testing.T) {
	if Default() != slog.Default() {
		t.Error("Default did not return slog.Default()")
	}
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZap(zap.New(core))

	l.Debug("late response", "id", 7)
	l.Warn("orphan response", "id", "abc")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expect 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "late response" || entries[0].Level != zapcore.DebugLevel {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if got := entries[1].ContextMap()["id"]; got != "abc" {
		t.Errorf("expect id field abc, got %v", got)
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Debug("debug message", "key", "value")
	l.Info("info message", "key", "value")
	l.Warn("warn message", "key", "value")
	l.Error("error message", "key", "value")
}
