// Package logging provides structured logging with zap.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger = zap.NewNop()
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Init initializes the global logger.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.DisableStacktrace = true
	}
	globalLevel.SetLevel(level)
	config.Level = globalLevel
	// stdout belongs to command output
	config.OutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// Named returns a child of the global logger. Loggers are no-ops until Init
// is called.
func Named(name string) *zap.Logger {
	return globalLogger.Named(name)
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err == nil {
		globalLevel.SetLevel(l)
	}
}

// Sync flushes any buffered log entries.
func Sync() error {
	return globalLogger.Sync()
}

func Debug(msg string, fields ...zap.Field) { globalLogger.Debug(msg, fields...) }
