package di

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/config"
	"github.com/jrjohn/arcana-runtime/internal/observability"
	"github.com/jrjohn/arcana-runtime/internal/runtime"
)

// ObservabilityModule provides metrics and tracing
var ObservabilityModule = fx.Module("observability",
	fx.Provide(
		provideMetricsProvider,
		provideTracingProvider,
	),
)

func provideMetricsProvider(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*observability.MetricsProvider, error) {
	mp, err := observability.NewMetricsProvider(cfg.MetricsConfig(), logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})
	return mp, nil
}

func provideTracingProvider(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*observability.TracingProvider, error) {
	tp, err := observability.NewTracingProvider(cfg.TracingConfig(), logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return tp, nil
}

// bindMetrics counts runtime events and serves them on the metrics address
func bindMetrics(lc fx.Lifecycle, mp *observability.MetricsProvider, rt *runtime.Runtime, cfg *config.Config, logger *zap.Logger) error {
	if err := mp.Bind(rt.Bus()); err != nil {
		return err
	}
	if !cfg.Observability.MetricsEnabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", mp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	server := &http.Server{
		Addr:              cfg.Observability.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting metrics server", zap.String("address", server.Addr))
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Metrics server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping metrics server")
			return server.Shutdown(ctx)
		},
	})
	return nil
}
