package di

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jrjohn/arcana-runtime/internal/config"
)

// DatabaseModule provides the pack database
var DatabaseModule = fx.Module("database",
	fx.Provide(provideDatabase),
)

// provideDatabase opens the configured database. The sqlite database lives
// in the data directory unless database.path is set.
func provideDatabase(lc fx.Lifecycle, cfg *config.DatabaseConfig, paths *config.Paths, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openDatabase(cfg, paths, logger)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("Closing database connection")
			return sqlDB.Close()
		},
	})
	return db, nil
}

func openDatabase(cfg *config.DatabaseConfig, paths *config.Paths, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch config.DatabaseDriver(cfg.Driver) {
	case config.DriverSQLite:
		dsn := cfg.DSN()
		if dsn == "" {
			dsn = paths.AppDB()
		}
		logger.Info("Opening sqlite database", zap.String("path", dsn))
		dialector = sqlite.Open(dsn)
	case config.DriverMySQL:
		dialector = mysql.Open(cfg.DSN())
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	if !cfg.IsSQLite() {
		logger.Info("Connecting to SQL database",
			zap.String("driver", cfg.Driver),
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
		)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
