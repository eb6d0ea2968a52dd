// Package logging bootstraps the process-wide zap logger.
package logging

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// File receives log output when set; stderr otherwise.
	File string
}

var (
	mu     sync.RWMutex
	global = zap.Must(zap.NewProduction())
)

// ParseLevel converts a level string into a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, errors.Annotatef(err, "invalid log level %q", level)
	}
	return l, nil
}

// New builds a logger from the config.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File}
		zcfg.ErrorOutputPaths = []string{cfg.File}
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return logger, nil
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = logger
}

// L returns the process-wide logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Named returns a component-scoped logger.
func Named(component string) *zap.Logger {
	return L().Named(component)
}
