package di

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/config"
	"github.com/jrjohn/arcana-runtime/internal/event"
	"github.com/jrjohn/arcana-runtime/internal/observability"
	"github.com/jrjohn/arcana-runtime/internal/pack"
	"github.com/jrjohn/arcana-runtime/internal/runtime"
)

// EventPumpInterval is how often queued bus events are delivered
const EventPumpInterval = 100 * time.Millisecond

// RuntimeModule provides the extension runtime and drives its lifecycle
var RuntimeModule = fx.Module("runtime",
	fx.Provide(provideRuntime),
	fx.Invoke(
		bindMetrics,
		startRuntime,
		watchPacks,
		watchSettings,
	),
)

func provideRuntime(
	cfg *config.RuntimeConfig,
	tp *observability.TracingProvider,
	catalog *pack.Catalog,
	paths *config.Paths,
	logger *zap.Logger,
) (*runtime.Runtime, error) {
	return runtime.New(logger,
		runtime.WithNamespace(cfg.ModuleNamespace),
		runtime.WithStrictExtensions(cfg.StrictExtensions),
		runtime.WithTracer(tp.Tracer()),
		runtime.WithJobBindings(catalog, paths),
	)
}

// startRuntime initialises builtins and loads the discovered plugin packs
// on start, pumps queued events while running and tears the runtime down on
// stop
func startRuntime(lc fx.Lifecycle, rt *runtime.Runtime, catalog *pack.Catalog, cfg *config.PluginConfig, paths *config.Paths, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := rt.InitBuiltins(); err != nil {
				return err
			}

			if cfg.AutoLoad {
				logger.Info("Auto-loading plugins", zap.String("dir", paths.Packs))
				packs, err := discoverPacks(ctx, catalog, cfg, paths)
				if err != nil {
					return err
				}
				if err := rt.LoadAll(ctx, packs); err != nil {
					logger.Warn("Failed to load some plugins", zap.Error(err))
				}
			}
			rt.FinishStartup()

			var pumpCtx context.Context
			pumpCtx, cancel = context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				pumpEvents(pumpCtx, rt, EventPumpInterval)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
				wg.Wait()
			}
			logger.Info("Shutting down runtime")
			rt.Teardown()
			return nil
		},
	})
}

// pumpEvents delivers queued events every interval until ctx is done
func pumpEvents(ctx context.Context, rt *runtime.Runtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.Process()
			return
		case <-ticker.C:
			rt.Process()
		}
	}
}

// watchPacks reloads the packs directory on PACK_TREE_UPDATE. Newly added
// plugin packs are loaded; packs already loaded are left alone.
func watchPacks(lc fx.Lifecycle, rt *runtime.Runtime, catalog *pack.Catalog, cfg *config.PluginConfig, paths *config.Paths, logger *zap.Logger) {
	if !cfg.Enabled || !cfg.Watch {
		return
	}
	watcher := pack.NewWatcher(paths.Packs, rt.Bus(), logger)

	var h event.Handle
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			h = rt.Bus().AppendListener(event.PackTreeUpdate, func(args ...any) {
				ctx := context.Background()
				packs, err := discoverPacks(ctx, catalog, cfg, paths)
				if err != nil {
					logger.Error("Failed to rescan packs", zap.Error(err))
					return
				}
				if err := rt.LoadAll(ctx, packs); err != nil {
					logger.Warn("Failed to load some plugins", zap.Error(err))
				}
			})
			return watcher.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			rt.Bus().RemoveListener(h)
			return watcher.Close()
		},
	})
}

// watchSettings enqueues SETTINGS_CHANGE with the new configuration when
// the configuration file given on the command line changes
func watchSettings(path ConfigPath, rt *runtime.Runtime, logger *zap.Logger) error {
	if path == "" {
		return nil
	}
	_, err := config.Watch(string(path), logger, func(cfg *config.Config) {
		rt.Enqueue(event.SettingsChange, cfg)
	})
	return err
}
