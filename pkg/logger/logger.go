package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration
type Config struct {
	Level       string
	Development bool
	Encoding    string   // "json" or "console"
	OutputPaths []string // defaults to stdout
}

// New creates a new zap logger
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config

	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	if cfg.Encoding != "" {
		zapConfig.Encoding = cfg.Encoding
	}
	if cfg.Encoding == "json" {
		zapConfig.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{"stdout"}
	if len(cfg.OutputPaths) > 0 {
		zapConfig.OutputPaths = cfg.OutputPaths
	}
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	return zapConfig.Build()
}

// Default creates a logger from ARCANA_LOG_LEVEL and ARCANA_ENV
func Default() *zap.Logger {
	logger, err := New(Config{
		Level:       os.Getenv("ARCANA_LOG_LEVEL"),
		Development: os.Getenv("ARCANA_ENV") != "production",
		Encoding:    "console",
	})
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

// ForComponent returns a named child logger tagged with the component name.
// A nil logger yields a no-op logger so components can be built without one.
func ForComponent(logger *zap.Logger, component string, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(component).With(fields...)
}
