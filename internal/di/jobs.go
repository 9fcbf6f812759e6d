package di

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/config"
	"github.com/jrjohn/arcana-runtime/internal/jobs"
	"github.com/jrjohn/arcana-runtime/internal/jobs/scheduler"
	"github.com/jrjohn/arcana-runtime/internal/pack"
	"github.com/jrjohn/arcana-runtime/internal/runtime"
)

// JobsModule provides the job scheduler
var JobsModule = fx.Module("jobs",
	fx.Provide(provideScheduler),
	fx.Invoke(
		registerDefaultScheduledJobs,
		startScheduler,
	),
)

func provideScheduler(rt *runtime.Runtime, logger *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(rt.Registry(), rt.Jobs(), logger)
}

// registerDefaultScheduledJobs defines the scheduled jobs endpoint and adds
// the builtin jobs. Plugins add their own jobs to the same endpoint.
func registerDefaultScheduledJobs(rt *runtime.Runtime, logger *zap.Logger) error {
	if err := rt.DefineEndpoint(scheduler.Endpoint()); err != nil {
		return err
	}

	// Rescan the packs directory hourly so the pack store follows the disk
	if err := rt.Registry().AddBuiltinExtension(&scheduler.ScheduledJob{
		Schedule: scheduler.EveryHour,
		Job: jobs.Job{
			Name:  "pack-store-sync",
			Func:  syncPackStore,
			Retry: jobs.DefaultRetryPolicy(),
			Tags:  []string{"maintenance", "packs"},
		},
		Singleton: true,
	}, scheduler.EndpointID); err != nil {
		return err
	}

	logger.Info("Registered default scheduled jobs")
	return nil
}

// syncPackStore runs in a job scope; the catalog and paths are job bindings
func syncPackStore(ctx context.Context, catalog *pack.Catalog, paths *config.Paths) (int, error) {
	packs, err := catalog.Discover(ctx, paths.Packs)
	if err != nil {
		return 0, err
	}
	return len(packs), nil
}

func startScheduler(lc fx.Lifecycle, sched *scheduler.Scheduler, cfg *config.JobsConfig, logger *zap.Logger) {
	if !cfg.SchedulerEnabled {
		logger.Info("Job scheduler disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting job scheduler")
			return sched.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping job scheduler")
			if err := sched.Stop(ctx); err != nil {
				logger.Warn("Error stopping scheduler", zap.Error(err))
			}
			return nil
		},
	})
}
