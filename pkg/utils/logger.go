package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewSugaredLogger creates a sugared logger named after the service.
// If verbose is true, it creates a development logger at debug level, otherwise
// a production JSON logger at info level. An empty service leaves the logger
// unnamed.
func NewSugaredLogger(verbose bool, service string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if service != "" {
		l = l.Named(service)
	}
	return l.Sugar(), nil
}
