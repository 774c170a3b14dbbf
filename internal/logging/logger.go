// Package logging builds the zap loggers used by citecrawl. Entries carry an
// ISO8601 "ts" field in both modes, and run-scoped loggers add the run and
// session ids so a line can be matched to its checkpoint directory.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Name is the root logger name; components hang off it with Named.
const Name = "citecrawl"

// New builds the process logger: colored console output in development mode,
// JSON otherwise.
func New(development bool) (*zap.Logger, error) {
	mode, cfg := "prod", zap.NewProductionConfig()
	if development {
		mode, cfg = "dev", zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", mode, err)
	}
	return logger.Named(Name), nil
}

// ForRun tags every entry with the run and session it belongs to.
func ForRun(logger *zap.Logger, runID int, sessionID string) *zap.Logger {
	return logger.With(zap.Int("run_id", runID), zap.String("session_id", sessionID))
}
