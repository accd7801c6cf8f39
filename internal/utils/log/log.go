package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = newLogger()
)

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLevel changes the level of the process logger. Accepts zap level names
// ("debug", "info", "warn", "error").
func SetLevel(name string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Replace swaps the process logger, mostly for tests and embedding.
func Replace(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	logger = l
	mu.Unlock()
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Named returns a child logger for a module. The caller skip added for the
// package helpers is removed so call sites are reported correctly.
func Named(name string) *zap.Logger {
	return get().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func Debug(msg string, fields ...zap.Field) { get().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { get().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { get().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { get().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { get().Fatal(msg, fields...) }

func Sync() error { return get().Sync() }
