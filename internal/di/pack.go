package di

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jrjohn/arcana-runtime/internal/config"
	"github.com/jrjohn/arcana-runtime/internal/pack"
)

// PackModule provides the pack store and catalog
var PackModule = fx.Module("pack",
	fx.Provide(
		providePackStore,
		pack.NewCatalog,
	),
)

func providePackStore(db *gorm.DB, logger *zap.Logger) (*pack.Store, error) {
	store := pack.NewStore(db, logger)
	logger.Info("Running pack store migrations")
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// discoverPacks lists the packs of the packs directory, or none when the
// plugin system is disabled
func discoverPacks(ctx context.Context, catalog *pack.Catalog, cfg *config.PluginConfig, paths *config.Paths) ([]*pack.Pack, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return catalog.Discover(ctx, paths.Packs)
}
