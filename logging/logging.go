package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects the level and encoding of the process logger.
type Config struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// New builds a zap logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatJSON:
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case FormatConsole:
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(raw string) (zapcore.Level, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return zapcore.InfoLevel, nil
	}
	switch trimmed {
	case "debug", "info", "warn", "error":
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unsupported level %q", raw)
	}
	level, err := zapcore.ParseLevel(trimmed)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logging: parse level: %w", err)
	}
	return level, nil
}
