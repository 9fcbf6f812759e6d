package di

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/config"
)

// AppModule aggregates all application modules. Invokes run in module
// order, so the runtime loads plugins before the scheduler starts and is
// torn down after it stops.
var AppModule = fx.Options(
	ConfigModule,
	LoggerModule,
	DatabaseModule,
	PackModule,
	ObservabilityModule,
	RuntimeModule,
	JobsModule,
)

// PrintBanner prints the application startup banner
func PrintBanner(cfg *config.Config, paths *config.Paths, logger *zap.Logger) {
	logger.Info("===========================================")
	logger.Info("          Arcana Extension Runtime         ")
	logger.Info("===========================================")
	logger.Info("Application Info",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)
	logger.Info("Runtime Config",
		zap.String("namespace", cfg.Runtime.ModuleNamespace),
		zap.Bool("strict_extensions", cfg.Runtime.StrictExtensions),
		zap.String("packs", paths.Packs),
		zap.String("database", cfg.Database.Driver),
	)
	logger.Info("===========================================")
}
