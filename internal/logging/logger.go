// Package logging builds the process-wide zap logger. Components take named
// children (logger.Named("registry")) so log lines carry their origin.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger flavor. Format "console" is for interactive
// runs; "json" is the production default.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// New constructs the root logger. An empty level means info; an empty format
// means json. Unknown values are rejected so a typo in config surfaces at
// startup instead of silently downgrading verbosity.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, fmt.Errorf("unknown log level %q: %w", opts.Level, err)
		}
	}

	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// NewNop returns a logger that discards everything. Tests and optional
// collaborators use it so nil checks never appear at call sites.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
