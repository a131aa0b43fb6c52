// Package logging configures the structured logger shared by every
// component of the orchestrator.
//
// A single *zap.Logger is built once in cmd/plogon and threaded through
// component constructors as an explicit dependency — there is no
// package-level logger singleton, so tests can inject an observer core and
// components never reach for a global.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for the given verbosity.
//
// debug=true selects a development config (console encoder, caller info,
// debug level); otherwise a production JSON config at info level is used,
// matching the two logging modes CI systems typically want: readable
// console output for local/dry-run invocations, structured JSON for
// ingestion when running under CI.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Component returns a child logger tagged with the owning component name.
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}

// Discard returns a logger that drops everything, for tests that don't
// care about log output.
func Discard() *zap.Logger {
	return zap.NewNop()
}
