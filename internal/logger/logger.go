// Package logger builds the zap loggers used across wgpucore.
package logger

import (
	"go.uber.org/zap"
)

// New returns a production logger at the given verbosity ("debug", "info",
// "warn", "error"). An empty verbosity means info.
func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}

// NewDevelopment returns a human-readable console logger. The CLI uses it
// when logger.development is set in the config.
func NewDevelopment(verbosity string) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	config.DisableStacktrace = true
	return config.Build()
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}
