package utils

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := (&Logger{s: zap.New(core).Sugar()}).With("pass", "p-1")

	log.Info("[pipeline] %d new", 3)
	log.Debug("[pipeline] hidden")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d; want 1 (debug is below the level)", len(entries))
	}
	if entries[0].Message != "[pipeline] 3 new" {
		t.Errorf("message = %q", entries[0].Message)
	}
	if got := entries[0].ContextMap()["pass"]; got != "p-1" {
		t.Errorf("pass field = %v; want p-1", got)
	}
}

func TestNewLoggerWithUnknownLevel(t *testing.T) {
	for _, enc := range []string{"console", "json"} {
		log := NewLoggerWith("loud", enc)
		if log == nil || !log.s.Desugar().Core().Enabled(zapcore.InfoLevel) || log.s.Desugar().Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("encoding %s: unknown level should fall back to info", enc)
		}
	}
}
