// Package log holds the process-wide zap logger used by the snowpatch commands.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.SugaredLogger
var baseLogger *zap.Logger

// Options select the logger flavour
type Options struct {
	// Debug lowers the level to debug and switches to the development encoder
	Debug bool
	// Format is "console" or "json". Empty picks console for Debug and json otherwise.
	Format string
}

// Build returns a logger configured by opts without installing it
func Build(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch opts.Format {
	case "":
	case "console", "json":
		cfg.Encoding = opts.Format
	default:
		return nil, fmt.Errorf("unknown log format %q (want console or json)", opts.Format)
	}

	return cfg.Build(zap.AddCallerSkip(1))
}

// Init builds a logger from opts and installs it as the package-level logger
func Init(opts Options) error {
	zapLogger, err := Build(opts)
	if err != nil {
		return fmt.Errorf("can't initialize zap logger: %v", err)
	}
	UseLogger(zapLogger)
	return nil
}

// UseLogger replaces the package-level logger. Tests pass zap.NewNop() to keep output quiet.
func UseLogger(l *zap.Logger) {
	baseLogger = l
	log = l.Sugar()
}

// GetZapLogger returns the base zap logger for cases where it's needed (like GORM)
func GetZapLogger() *zap.Logger {
	if baseLogger == nil {
		l, _ := zap.NewProduction(zap.AddCallerSkip(1))
		UseLogger(l)
	}
	return baseLogger
}

// GetSugaredLogger returns the sugared logger instance
func GetSugaredLogger() *zap.SugaredLogger {
	if log == nil {
		GetZapLogger()
	}
	return log
}

// Sync flushes any buffered log entries
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}

func Debugw(msg string, keysAndValues ...interface{}) {
	GetSugaredLogger().Debugw(msg, keysAndValues...)
}

func Errorw(msg string, keysAndValues ...interface{}) {
	GetSugaredLogger().Errorw(msg, keysAndValues...)
}
