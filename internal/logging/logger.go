// Package logging provides the process-wide structured logger for sdkforge.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Init builds the global logger. Production uses JSON with ISO8601 timestamps,
// everything else gets the colourised development encoder. LOG_LEVEL overrides
// the default level. Safe to call multiple times.
func Init() {
	once.Do(func() {
		var cfg zap.Config
		if os.Getenv("ENVIRONMENT") == "production" {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		} else {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}

		if lvl := strings.TrimSpace(os.Getenv("LOG_LEVEL")); lvl != "" {
			if parsed, err := zapcore.ParseLevel(lvl); err == nil {
				cfg.Level = zap.NewAtomicLevelAt(parsed)
			}
		}

		var err error
		logger, err = cfg.Build()
		if err != nil {
			logger = zap.NewNop()
		}
	})
}

// L returns the global structured logger
func L() *zap.Logger {
	if logger == nil {
		Init()
	}
	return logger
}

// Sync flushes any buffered log entries. Call before app exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// Named returns the global logger scoped to a component.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// OrNamed returns l when non-nil, otherwise the global logger for component.
func OrNamed(l *zap.Logger, component string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(component)
}
