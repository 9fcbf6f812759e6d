package di

import (
	"go.uber.org/fx"

	"github.com/jrjohn/arcana-runtime/internal/config"
)

// ConfigPath is the configuration file given on the command line. Empty
// means the standard locations.
type ConfigPath string

// ConfigModule provides configuration dependencies
var ConfigModule = fx.Module("config",
	fx.Provide(
		provideConfig,
		providePaths,
		provideAppConfig,
		provideRuntimeConfig,
		provideDatabaseConfig,
		providePluginConfig,
		provideJobsConfig,
	),
)

func provideConfig(path ConfigPath) (*config.Config, error) {
	return config.LoadFile(string(path))
}

func providePaths(cfg *config.Config) (*config.Paths, error) {
	return cfg.ResolvePaths()
}

func provideAppConfig(cfg *config.Config) *config.AppConfig {
	return &cfg.App
}

func provideRuntimeConfig(cfg *config.Config) *config.RuntimeConfig {
	return &cfg.Runtime
}

func provideDatabaseConfig(cfg *config.Config) *config.DatabaseConfig {
	return &cfg.Database
}

func providePluginConfig(cfg *config.Config) *config.PluginConfig {
	return &cfg.Plugin
}

func provideJobsConfig(cfg *config.Config) *config.JobsConfig {
	return &cfg.Jobs
}
