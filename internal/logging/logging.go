// Package logging provides the shared structured logger for all
// dbporter components. It wraps zap so call sites stay terse:
//
//	logging.Info("task started", "task_id", id, "kind", kind)
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = build(zapcore.InfoLevel, "console")
)

func build(level zapcore.Level, encoding string) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Config above is static; Build can only fail on bad output paths.
		panic(fmt.Sprintf("logging: %v", err))
	}
	return l.Sugar()
}

// Init reconfigures the global logger. level is one of debug, info,
// warn, error; encoding is "console" or "json".
func Init(level, encoding string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", level, err)
	}
	if encoding != "console" && encoding != "json" {
		return fmt.Errorf("unknown log encoding %q (valid: console, json)", encoding)
	}

	mu.Lock()
	defer mu.Unlock()
	logger = build(lvl, encoding)
	return nil
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs a debug message with key/value pairs.
func Debug(msg string, kv ...any) { get().Debugw(msg, kv...) }

// Info logs an info message with key/value pairs.
func Info(msg string, kv ...any) { get().Infow(msg, kv...) }

// Warn logs a warning with key/value pairs.
func Warn(msg string, kv ...any) { get().Warnw(msg, kv...) }

// Error logs an error with key/value pairs.
func Error(msg string, kv ...any) { get().Errorw(msg, kv...) }

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	_ = get().Sync()
}
