package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
)

// Init builds the process logger for the given mode ("production" or "development").
func Init(mode string, level string) error {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "", "production", "prod":
		cfg = zap.NewProductionConfig()
	case "development", "dev":
		cfg = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("unknown log mode %q", mode)
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

func setLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	// zap.L()/zap.S() return the same instance afterwards
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	log = l
}

// Log never returns nil; before Init it falls back to zap's global (a no-op logger).
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		return log
	}
	return zap.L()
}

// Named returns a child logger tagged with a component name.
func Named(component string) *zap.Logger {
	return Log().Named(component)
}

func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
