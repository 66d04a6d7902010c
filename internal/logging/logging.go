// Package logging wires zap the way owl-common/logger does: a level and
// format string in, a ready-to-use logger tagged with service name and
// host out.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for service, at the given level ("debug",
// "info", "warn", "error"), in the given format ("console" or "json").
// Unknown levels default to info; any format other than "json" gets the
// console encoder.
func New(level, format, service string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if strings.EqualFold(format, "json") {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return logger.With(
		zap.String("service", service),
		zap.String("hostname", host),
	), nil
}

// Must panics if New fails; used at process startup where a logger is
// a hard prerequisite.
func Must(level, format, service string) *zap.Logger {
	l, err := New(level, format, service)
	if err != nil {
		panic(err)
	}
	return l
}
