package orkestra

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSimpleLoggerFormatsKeyValues(t *testing.T) {
	got := formatKV([]interface{}{"requestID", "req_1", "attempt", 2})
	if got != "requestID=req_1 attempt=2" {
		t.Errorf("formatKV() = %q", got)
	}

	// A dangling key renders a placeholder rather than panicking.
	got = formatKV([]interface{}{"orphan"})
	if got != "orphan=?" {
		t.Errorf("formatKV() = %q", got)
	}
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	zl := NewZapLogger(zap.New(core))

	zl.Debug("cache hit", "key", "GET http://example.test")
	zl.Info("request settled", "status", 200)
	zl.Warn("slow response", "ms", 1200)
	zl.Error("request failed", "type", ErrorTypeNetwork)

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("Expected 4 log entries, got %d", len(entries))
	}
	if entries[0].Message != "cache hit" {
		t.Errorf("Unexpected first message %q", entries[0].Message)
	}
	if entries[0].Level != zapcore.DebugLevel {
		t.Errorf("Expected debug level, got %v", entries[0].Level)
	}
	ctx := entries[0].ContextMap()
	if ctx["key"] != "GET http://example.test" {
		t.Errorf("Expected structured key field, got %v", ctx)
	}
}

func TestGenerateRequestID(t *testing.T) {
	id := generateRequestID()
	if !strings.HasPrefix(id, "req_") {
		t.Errorf("Expected req_ prefix, got %q", id)
	}
	if len(id) != len("req_")+8 {
		t.Errorf("Expected 8 id characters, got %q", id)
	}
	if generateRequestID() == id {
		t.Error("Expected distinct ids")
	}
}

func TestDefaultDebugConfig(t *testing.T) {
	cfg := DefaultDebugConfig()
	if cfg.Enabled {
		t.Error("Debug must be off by default")
	}
	if !cfg.LogRequests || !cfg.LogCache || !cfg.LogRetries || !cfg.LogBatch || !cfg.LogQueue {
		t.Error("All concerns should be selected once debug is enabled")
	}
	if cfg.RequestIDGen == nil {
		t.Error("Expected a request id generator")
	}
}
