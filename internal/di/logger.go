package di

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/config"
	"github.com/jrjohn/arcana-runtime/pkg/logger"
)

// LoggerModule provides logging dependencies
var LoggerModule = fx.Module("logger",
	fx.Provide(provideLogger),
)

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if cfg.App.Debug {
		level = "debug"
	}
	return logger.New(logger.Config{
		Level:       level,
		Development: cfg.App.Debug,
		Encoding:    cfg.Log.Encoding,
	})
}
