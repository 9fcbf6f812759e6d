// Package runtime is the host-facing entry point of the extension core. A
// Runtime owns the app container, the event bus, the extension registry, the
// plugin loader and the job runner, and tears them down together.
package runtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/event"
	"github.com/jrjohn/arcana-runtime/internal/extension"
	"github.com/jrjohn/arcana-runtime/internal/features"
	"github.com/jrjohn/arcana-runtime/internal/injector"
	"github.com/jrjohn/arcana-runtime/internal/jobs"
	"github.com/jrjohn/arcana-runtime/internal/pack"
	"github.com/jrjohn/arcana-runtime/internal/plugin"
	"github.com/jrjohn/arcana-runtime/internal/plugin/lua"
	"github.com/jrjohn/arcana-runtime/pkg/logger"
)

type options struct {
	namespace   string
	strict      bool
	openers     []plugin.Opener
	tracer      trace.Tracer
	jobBindings []any
}

// Option configures a Runtime
type Option func(*options)

// WithNamespace sets the namespace plugin modules are qualified with
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithStrictExtensions makes registering an object no endpoint accepts an
// error instead of a warning
func WithStrictExtensions(strict bool) Option {
	return func(o *options) {
		o.strict = strict
	}
}

// WithOpeners replaces the default module openers (compiled-in modules, Lua
// scripts and Go plugins, in that order)
func WithOpeners(openers ...plugin.Opener) Option {
	return func(o *options) {
		o.openers = openers
	}
}

// WithTracer sets the tracer used for plugin loads and job runs
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithJobBindings adds bindings installed into every job scope
func WithJobBindings(bindings ...any) Option {
	return func(o *options) {
		o.jobBindings = append(o.jobBindings, bindings...)
	}
}

// Runtime wires the extension core together in one app container
type Runtime struct {
	container *injector.Container
	bus       *event.Bus
	registry  *extension.Registry
	loader    *plugin.Loader
	runner    *jobs.Runner
	features  *features.Features
	logger    *zap.Logger

	mu       sync.Mutex
	tornDown bool
}

// New builds a runtime. The app container can resolve the logger, the bus,
// the registry, the loader, the job runner and the feature set, so plugin
// constructors may depend on any of them.
func New(log *zap.Logger, opts ...Option) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	o := &options{namespace: plugin.DefaultNamespace}
	for _, opt := range opts {
		opt(o)
	}
	if o.openers == nil {
		o.openers = []plugin.Opener{plugin.DefaultStaticOpener(), lua.NewOpener(log), plugin.GoOpener{}}
	}

	c, err := injector.NewAppContainer(log)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus(log)
	registry := extension.NewRegistry(bus, c, log, extension.WithStrict(o.strict))

	loaderOpts := []plugin.LoaderOption{plugin.WithNamespace(o.namespace), plugin.WithOpeners(o.openers...)}
	runnerOpts := []jobs.RunnerOption{jobs.WithBindings(o.jobBindings...)}
	if o.tracer != nil {
		loaderOpts = append(loaderOpts, plugin.WithTracer(o.tracer))
		runnerOpts = append(runnerOpts, jobs.WithTracer(o.tracer))
	}

	rt := &Runtime{
		container: c,
		bus:       bus,
		registry:  registry,
		loader:    plugin.NewLoader(c, bus, log, loaderOpts...),
		runner:    jobs.NewRunner(c, bus, log, runnerOpts...),
		features:  features.New(log),
		logger:    logger.ForComponent(log, "runtime"),
	}

	for _, v := range []any{log, bus, registry, rt.loader, rt.runner, rt.features} {
		if err := c.Supply(v); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// Container returns the app container
func (rt *Runtime) Container() *injector.Container { return rt.container }

// Bus returns the event bus
func (rt *Runtime) Bus() *event.Bus { return rt.bus }

// Registry returns the extension registry
func (rt *Runtime) Registry() *extension.Registry { return rt.registry }

// Loader returns the plugin loader
func (rt *Runtime) Loader() *plugin.Loader { return rt.loader }

// Jobs returns the job runner
func (rt *Runtime) Jobs() *jobs.Runner { return rt.runner }

// Features returns the optional feature set
func (rt *Runtime) Features() *features.Features { return rt.features }

// DefineEndpoint registers an endpoint
func (rt *Runtime) DefineEndpoint(ep *extension.Endpoint) error {
	return rt.registry.DefineEndpoint(ep)
}

// AddExtension registers obj on the endpoints it belongs to, attributed to owner
func (rt *Runtime) AddExtension(owner extension.Owner, obj any, hints ...uuid.UUID) error {
	return rt.registry.AddExtension(owner, obj, hints...)
}

// Subscribe calls fn with every existing and future object of an endpoint
func (rt *Runtime) Subscribe(id uuid.UUID, fn func(obj any), opts ...extension.SubscribeOption) (event.Handle, error) {
	return rt.registry.Subscribe(id, fn, opts...)
}

// SubscribeExtensions calls fn with every existing and future extension record of an endpoint
func (rt *Runtime) SubscribeExtensions(id uuid.UUID, fn func(*extension.Extension), opts ...extension.SubscribeOption) (event.Handle, error) {
	return rt.registry.SubscribeExtensions(id, fn, opts...)
}

// Unsubscribe removes a subscription
func (rt *Runtime) Unsubscribe(h event.Handle) bool {
	return rt.registry.Unsubscribe(h)
}

// InitBuiltins registers the builtin extensions of every endpoint, owned by
// the builtin plugin
func (rt *Runtime) InitBuiltins() (plugin.Plugin, error) {
	return rt.loader.InitBuiltins()
}

// LoadPlugin loads the plugin of one pack
func (rt *Runtime) LoadPlugin(ctx context.Context, p *pack.Pack) error {
	return rt.loader.Load(ctx, p)
}

// LoadAll loads every plugin pack in dependency order
func (rt *Runtime) LoadAll(ctx context.Context, packs []*pack.Pack) error {
	return rt.loader.LoadAll(ctx, packs)
}

// RunJob runs job in its own job scope
func (rt *Runtime) RunJob(ctx context.Context, job jobs.Job) (*jobs.Status, error) {
	return rt.runner.Run(ctx, job)
}

// Dispatch delivers e to its listeners before returning
func (rt *Runtime) Dispatch(e event.Event, args ...any) {
	rt.bus.Dispatch(e, args...)
}

// Enqueue queues e for the next Process call
func (rt *Runtime) Enqueue(e event.Event, args ...any) {
	rt.bus.Enqueue(e, args...)
}

// Process delivers the queued events and reports whether there were any
func (rt *Runtime) Process() bool {
	return rt.bus.Process()
}

// FinishStartup dispatches FINISHED_STARTUP
func (rt *Runtime) FinishStartup() {
	rt.logger.Info("startup finished",
		zap.Int("plugins", len(rt.loader.Loaded())),
		zap.Int("endpoints", len(rt.registry.Endpoints())),
	)
	rt.bus.Dispatch(event.FinishedStartup)
}

// Teardown tears down plugins, extensions and app singletons, in that order,
// and drops queued events. Later calls do nothing.
func (rt *Runtime) Teardown() {
	rt.mu.Lock()
	if rt.tornDown {
		rt.mu.Unlock()
		return
	}
	rt.tornDown = true
	rt.mu.Unlock()

	rt.logger.Info("tearing down runtime")
	rt.loader.Teardown()
	rt.registry.Teardown()
	rt.container.Teardown()
	rt.bus.Clear()
}
