// Package logging configures the process-wide zap logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options mirror the CLI logging flags.
type Options struct {
	Verbose  bool // debug level
	JSONLogs bool // JSON encoder instead of console
}

// New builds the root sugared logger. Workers log to stderr so the parent
// can keep stdout for the result line.
func New(opts Options) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if opts.JSONLogs {
		cfg.Encoding = "json"
	} else {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		// Config above is static; Build only fails on bad encoding names.
		panic(err)
	}
	return logger.Sugar()
}

// Nop returns a logger that discards everything. For tests.
func Nop() *zap.SugaredLogger { return zap.NewNop().Sugar() }
