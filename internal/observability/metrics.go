package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/event"
	"github.com/jrjohn/arcana-runtime/internal/extension"
	"github.com/jrjohn/arcana-runtime/internal/jobs"
	"github.com/jrjohn/arcana-runtime/internal/pack"
)

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"metrics_enabled"`
	ServiceName string `mapstructure:"service_name"`
	Address     string `mapstructure:"metrics_address"`
}

// DefaultMetricsConfig returns default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:     true,
		ServiceName: "arcana-runtime",
		Address:     ":9464",
	}
}

// MetricsProvider counts runtime events. Its OnEvent methods are bound to
// the event bus with Bind.
type MetricsProvider struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *zap.Logger
	registry      *prometheus.Registry
	handler       http.Handler
	handles       []event.Handle
	bus           *event.Bus

	extensionsRegistered metric.Int64Counter
	pluginsLoaded        metric.Int64Counter
	jobTransitions       metric.Int64Counter
	jobDuration          metric.Float64Histogram
}

// NewMetricsProvider creates a metrics provider. A disabled provider records
// into a noop meter and serves no metrics.
func NewMetricsProvider(config *MetricsConfig, logger *zap.Logger) (*MetricsProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mp := &MetricsProvider{
		config: config,
		logger: logger.Named("metrics"),
	}

	if !config.Enabled {
		mp.meter = noop.NewMeterProvider().Meter(config.ServiceName)
		return mp, mp.initMetrics()
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	mp.registry = registry
	mp.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	mp.meter = mp.meterProvider.Meter(config.ServiceName)
	mp.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	if err := mp.initMetrics(); err != nil {
		return nil, err
	}

	mp.logger.Info("metrics initialized", zap.String("service", config.ServiceName))
	return mp, nil
}

func (mp *MetricsProvider) initMetrics() error {
	var err error

	mp.extensionsRegistered, err = mp.meter.Int64Counter(
		"arcana_extensions_registered",
		metric.WithDescription("Extensions accepted by an endpoint"),
	)
	if err != nil {
		return err
	}

	mp.pluginsLoaded, err = mp.meter.Int64Counter(
		"arcana_plugins_loaded",
		metric.WithDescription("Plugins loaded from packs"),
	)
	if err != nil {
		return err
	}

	mp.jobTransitions, err = mp.meter.Int64Counter(
		"arcana_job_transitions",
		metric.WithDescription("Job status changes by resulting state"),
	)
	if err != nil {
		return err
	}

	mp.jobDuration, err = mp.meter.Float64Histogram(
		"arcana_job_duration",
		metric.WithDescription("Duration of finished job runs"),
		metric.WithUnit("s"),
	)
	return err
}

// Bind subscribes the provider to the events it counts
func (mp *MetricsProvider) Bind(bus *event.Bus) error {
	handles, err := bus.BindListener(mp, event.ExtensionRegistered, event.PluginLoadedOne, event.JobStatus)
	if err != nil {
		return err
	}
	mp.bus = bus
	mp.handles = handles
	return nil
}

// OnEventExtensionRegistered counts an accepted extension
func (mp *MetricsProvider) OnEventExtensionRegistered(args ...any) {
	if len(args) < 2 {
		return
	}
	ext, ok := args[1].(*extension.Extension)
	if !ok || ext.Endpoint == nil {
		return
	}

	attrs := []attribute.KeyValue{AttrEndpoint.String(ext.Endpoint.Name)}
	if ext.Owner != nil {
		attrs = append(attrs, AttrPack.String(ext.Owner.PackName()))
	}
	mp.extensionsRegistered.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// OnEventPluginLoadedOne counts a loaded plugin
func (mp *MetricsProvider) OnEventPluginLoadedOne(args ...any) {
	if len(args) < 1 {
		return
	}
	p, ok := args[0].(*pack.Pack)
	if !ok {
		return
	}
	mp.pluginsLoaded.Add(context.Background(), 1, metric.WithAttributes(AttrPack.String(p.Name())))
}

// OnEventJobStatus counts a job status change and records the duration of
// finished runs
func (mp *MetricsProvider) OnEventJobStatus(args ...any) {
	if len(args) < 1 {
		return
	}
	status, ok := args[0].(*jobs.Status)
	if !ok {
		return
	}

	ctx := context.Background()
	attrs := metric.WithAttributes(AttrJob.String(status.Name), AttrJobState.String(string(status.State)))
	mp.jobTransitions.Add(ctx, 1, attrs)
	if status.State.Done() {
		mp.jobDuration.Record(ctx, status.Duration().Seconds(), attrs)
	}
}

// Registry returns the prometheus registry, nil when metrics are disabled
func (mp *MetricsProvider) Registry() *prometheus.Registry {
	return mp.registry
}

// Handler returns an HTTP handler for Prometheus metrics
func (mp *MetricsProvider) Handler() http.Handler {
	if mp.handler != nil {
		return mp.handler
	}
	return http.NotFoundHandler()
}

// Meter returns the meter for creating custom metrics
func (mp *MetricsProvider) Meter() metric.Meter {
	return mp.meter
}

// Shutdown unbinds the provider from the bus and shuts down the meter provider
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.bus != nil {
		mp.bus.UnbindListener(mp.handles)
		mp.bus, mp.handles = nil, nil
	}
	if mp.meterProvider != nil {
		return mp.meterProvider.Shutdown(ctx)
	}
	return nil
}
