package orkestra

import (
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Logger is the minimal structured logging interface the client emits to.
// Key/value pairs follow the message, sugared-logger style.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// SimpleLogger writes levelled lines to stderr. Suitable for examples and
// debugging, not production.
type SimpleLogger struct {
	l *log.Logger
}

// NewSimpleLogger creates a console logger.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{l: log.New(os.Stderr, "orkestra ", log.LstdFlags|log.Lmicroseconds)}
}

func (s *SimpleLogger) Debug(msg string, kv ...interface{}) { s.emit("DEBUG", msg, kv) }
func (s *SimpleLogger) Info(msg string, kv ...interface{})  { s.emit("INFO", msg, kv) }
func (s *SimpleLogger) Warn(msg string, kv ...interface{})  { s.emit("WARN", msg, kv) }
func (s *SimpleLogger) Error(msg string, kv ...interface{}) { s.emit("ERROR", msg, kv) }

func (s *SimpleLogger) emit(level, msg string, kv []interface{}) {
	if len(kv) == 0 {
		s.l.Printf("%s %s", level, msg)
		return
	}
	s.l.Printf("%s %s %s", level, msg, formatKV(kv))
}

func formatKV(kv []interface{}) string {
	out := ""
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			out += " "
		}
		if i+1 < len(kv) {
			out += fmt.Sprintf("%v=%v", kv[i], kv[i+1])
		} else {
			out += fmt.Sprintf("%v=?", kv[i])
		}
	}
	return out
}

// ZapLogger adapts a zap logger to the Logger interface.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps an existing *zap.Logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{s: l.Sugar()}
}

func (z *ZapLogger) Debug(msg string, kv ...interface{}) { z.s.Debugw(msg, kv...) }
func (z *ZapLogger) Info(msg string, kv ...interface{})  { z.s.Infow(msg, kv...) }
func (z *ZapLogger) Warn(msg string, kv ...interface{})  { z.s.Warnw(msg, kv...) }
func (z *ZapLogger) Error(msg string, kv ...interface{}) { z.s.Errorw(msg, kv...) }

// DebugConfig gates per-concern debug logging so insight does not require
// blanket noise.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogCache     bool
	LogRetries   bool
	LogBatch     bool
	LogQueue     bool
	RequestIDGen func() string
}

// DefaultDebugConfig enables all concerns with UUID-derived request IDs.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogCache:     true,
		LogRetries:   true,
		LogBatch:     true,
		LogQueue:     true,
		RequestIDGen: generateRequestID,
	}
}

func generateRequestID() string {
	return "req_" + uuid.NewString()[:8]
}
