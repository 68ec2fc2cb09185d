// Package observability holds the process-wide logger and metrics registry.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// CLILogger is the logger used by commands. It is replaced by InitCLILogger
// once configuration is loaded.
var CLILogger = zap.NewNop()

// NewLogger builds a zap logger for level and profile. The structured
// profile writes JSON to stderr; the console profile writes human readable
// lines.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(valueOr(level, "info"))))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(valueOr(profile, ProfileStructured))) {
	case ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log profile %q (want structured or console)", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil

	return cfg.Build()
}

// InitCLILogger replaces CLILogger. The previous logger is synced.
func InitCLILogger(service, level, profile string) error {
	logger, err := NewLogger(level, profile)
	if err != nil {
		return err
	}
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	_ = CLILogger.Sync()
	CLILogger = logger
	return nil
}

func valueOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
