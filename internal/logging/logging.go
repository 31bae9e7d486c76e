// Package logging builds the zap loggers used by the memlru binaries.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production (JSON) logger writing to stderr at the given level.
// Valid levels are debug, info, warn and error.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl > zapcore.DebugLevel {
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	} else {
		cfg.Sampling = nil
	}

	return cfg.Build()
}
