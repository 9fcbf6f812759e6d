package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/event"
	"github.com/jrjohn/arcana-runtime/internal/extension"
	"github.com/jrjohn/arcana-runtime/internal/injector"
	"github.com/jrjohn/arcana-runtime/internal/pack"
	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

// DefaultNamespace prefixes the qualified name of every plugin module
const DefaultNamespace = "plugins"

// State is a step of the load state machine
type State string

const (
	StateValidate           State = "VALIDATE"
	StateAlreadyLoaded      State = "ALREADY_LOADED"
	StateImportModule       State = "IMPORT_MODULE"
	StateValidatePluginType State = "VALIDATE_PLUGIN_TYPE"
	StateImportSubmodules   State = "IMPORT_SUBMODULES"
	StateInstantiate        State = "INSTANTIATE"
	StateAnnounce           State = "ANNOUNCE"
)

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithNamespace sets the namespace module names are qualified with
func WithNamespace(ns string) LoaderOption {
	return func(l *Loader) {
		if ns != "" {
			l.namespace = ns
		}
	}
}

// WithOpeners replaces the openers tried during validation, in order
func WithOpeners(openers ...Opener) LoaderOption {
	return func(l *Loader) {
		l.openers = openers
	}
}

// WithModuleTable shares a module table between loaders
func WithModuleTable(t *ModuleTable) LoaderOption {
	return func(l *Loader) {
		if t != nil {
			l.modules = t
		}
	}
}

// WithTracer traces each load with tracer
func WithTracer(tracer trace.Tracer) LoaderOption {
	return func(l *Loader) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// Loader loads plugin packs into the app container
type Loader struct {
	container *injector.Container
	bus       *event.Bus
	logger    *zap.Logger
	tracer    trace.Tracer
	namespace string
	openers   []Opener
	modules   *ModuleTable

	mu     sync.Mutex
	loaded []Plugin
}

// NewLoader creates a loader constructing plugins through container, which
// must provide the *extension.Registry. The default openers are the default
// static opener followed by GoOpener.
func NewLoader(container *injector.Container, bus *event.Bus, logger *zap.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{
		container: container,
		bus:       bus,
		logger:    logger.Named("plugin_loader"),
		tracer:    noop.NewTracerProvider().Tracer("plugin"),
		namespace: DefaultNamespace,
		openers:   []Opener{DefaultStaticOpener(), GoOpener{}},
		modules:   NewModuleTable(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Modules returns the loader's module table
func (l *Loader) Modules() *ModuleTable {
	return l.modules
}

// Loaded returns the plugins loaded so far in load order
func (l *Loader) Loaded() []Plugin {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Plugin, len(l.loaded))
	copy(out, l.loaded)
	return out
}

// process carries one load request through the state machine
type process struct {
	pack      *pack.Pack
	name      string
	ref       ModuleRef
	entryPath string
	opener    Opener
	logger    *zap.Logger
}

func (p *process) enter(s State) {
	p.logger.Debug("plugin load state", zap.String("state", string(s)))
}

// wrap names the pack in an error raised after validation
func (p *process) wrap(err error) error {
	return fmt.Errorf("load plugin %s (%s): %w", p.name, p.pack.UUID(), err)
}

// Load loads p and dispatches PLUGIN_LOADED_ONE. Loading a pack whose module
// is already loaded for the same pack is a no-op.
func (l *Loader) Load(ctx context.Context, p *pack.Pack) (err error) {
	ctx, span := l.tracer.Start(ctx, "plugin.Load")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	proc, err := l.validate(ctx, p)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("pack.name", proc.name),
		attribute.String("pack.uuid", p.UUID().String()),
		attribute.String("module", proc.ref.Qualified()),
	)

	proc.enter(StateAlreadyLoaded)
	if loaded, err := l.alreadyLoaded(proc); err != nil || loaded {
		return err
	}
	proc.logger.Info("loading plugin")

	proc.enter(StateImportModule)
	m := l.modules.bind(proc.ref.Qualified(), proc.entryPath)
	defer func() {
		if err != nil {
			m.markFailed(err)
		}
	}()

	def, err := proc.opener.Open(proc.ref, proc.entryPath)
	if err != nil {
		return proc.wrap(apperrors.ErrInvalidPluginModule.
			WithMessagef("cannot import module %s", proc.ref.Qualified()).WithError(err))
	}
	m.setDefinition(def)

	proc.enter(StateValidatePluginType)
	if def == nil || def.Type == nil {
		return proc.wrap(apperrors.ErrInvalidPluginModule.
			WithMessagef("module %s exposes no plugin type", proc.ref.Qualified()))
	}
	if !def.Type.validate() {
		return proc.wrap(apperrors.ErrInvalidPluginModule.
			WithMessagef("plugin type of module %s does not construct a plugin", proc.ref.Qualified()))
	}
	m.markImported()

	proc.enter(StateImportSubmodules)
	if err := l.importPackages(m, def); err != nil {
		return proc.wrap(err)
	}

	proc.enter(StateInstantiate)
	if err := l.instantiate(p, def.Type); err != nil {
		return proc.wrap(err)
	}

	proc.enter(StateAnnounce)
	l.bus.Dispatch(event.PluginLoadedOne, p)

	proc.logger.Info("plugin loaded")
	return nil
}

func (l *Loader) validate(ctx context.Context, p *pack.Pack) (*process, error) {
	if p == nil {
		return nil, apperrors.ErrInvalidPluginPack.WithMessage("pack is nil")
	}
	name, id := p.Name(), p.UUID()
	proc := &process{
		pack:   p,
		name:   name,
		logger: l.logger.With(zap.String("pack", name)),
	}
	proc.enter(StateValidate)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	invalid := func(format string, args ...any) error {
		return apperrors.ErrInvalidPluginPack.WithMessagef("pack %s (%s) %s", name, id, fmt.Sprintf(format, args...))
	}

	if !p.IsPlugin() {
		return nil, invalid("is not a plugin pack")
	}
	if id == BuiltinPluginUUID {
		return nil, invalid("uses the builtin plugin uuid")
	}
	if p.Path == "" {
		return nil, invalid("has no base path")
	}
	if info, err := os.Stat(p.Path); err != nil || !info.IsDir() {
		return nil, invalid("has no resolvable base path %s", p.Path)
	}
	module := p.ModuleName()
	if module == "" {
		return nil, invalid("declares no plugin module name")
	}
	if strings.ContainsAny(module, `/\`) || strings.HasPrefix(module, ".") {
		return nil, invalid("declares invalid module name %q", module)
	}

	for _, opener := range l.openers {
		entry := filepath.Join(p.Path, opener.EntryFile())
		if info, err := os.Stat(entry); err == nil && !info.IsDir() {
			proc.opener = opener
			proc.entryPath = entry
			break
		}
	}
	if proc.opener == nil {
		return nil, invalid("has no plugin module entry file in %s", p.Path)
	}

	proc.ref = ModuleRef{Namespace: l.namespace, Name: module}
	proc.logger = proc.logger.With(zap.String("module", proc.ref.Qualified()))
	return proc, nil
}

func (l *Loader) alreadyLoaded(proc *process) (bool, error) {
	m, ok := l.modules.Lookup(proc.ref.Qualified())
	if !ok {
		return false, nil
	}
	if m.State() == ModuleFailed {
		return false, proc.wrap(apperrors.ErrInvalidPluginModule.
			WithMessagef("module %s failed to load earlier", proc.ref.Qualified()).WithError(m.Err()))
	}
	typ := m.Type()
	if typ == nil || !typ.validate() {
		return false, proc.wrap(apperrors.ErrInvalidPluginModule.
			WithMessagef("module %s is present but exposes no valid plugin type", proc.ref.Qualified()))
	}
	owner := typ.Pack()
	if owner == nil || owner.UUID() != proc.pack.UUID() {
		claimed := "no pack"
		if owner != nil {
			claimed = owner.UUID().String()
		}
		return false, proc.wrap(apperrors.ErrUUIDMismatch.
			WithMessagef("module %s is already loaded for %s", proc.ref.Qualified(), claimed))
	}
	proc.logger.Debug("plugin already loaded, skipping")
	return true, nil
}

// importPackages runs the initialisers of every walked and directly
// imported package, each at most once per module
func (l *Loader) importPackages(m *Module, def *Definition) error {
	b := newBuilder(m.Name)
	def.Type.setBuilder(b)

	run := func(pkg string) error {
		if !m.markInitialized(pkg) {
			return nil
		}
		initPkg := def.Packages[pkg]
		if initPkg == nil {
			return nil
		}
		b.pkg = pkg
		if err := initPkg(b); err != nil {
			return apperrors.ErrInvalidPluginModule.
				WithMessagef("package %s of module %s failed to initialise", pkg, m.Name).WithError(err)
		}
		return nil
	}

	for _, root := range def.Type.WalkPackages {
		pkgs := walk(def.Packages, root)
		if len(pkgs) == 0 {
			return apperrors.ErrInvalidPluginModule.WithMessagef("module %s has no package %s", m.Name, root)
		}
		for _, pkg := range pkgs {
			if err := run(pkg); err != nil {
				return err
			}
		}
	}
	for _, pkg := range def.Type.ImportPackages {
		if _, ok := def.Packages[pkg]; !ok {
			return apperrors.ErrInvalidPluginModule.WithMessagef("module %s has no package %s", m.Name, pkg)
		}
		if err := run(pkg); err != nil {
			return err
		}
	}
	return nil
}

// walk returns root and every package below it in sorted order, skipping
// private packages together with their subtree
func walk(packages map[string]PackageInit, root string) []string {
	var out []string
	prefix := root + "."
	for name := range packages {
		if name == root {
			out = append(out, name)
			continue
		}
		if !strings.HasPrefix(name, prefix) || private(strings.TrimPrefix(name, prefix)) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func private(rel string) bool {
	for _, seg := range strings.Split(rel, ".") {
		if strings.HasPrefix(seg, "_") {
			return true
		}
	}
	return false
}

func (l *Loader) instantiate(p *pack.Pack, typ *Type) error {
	typ.attach(p)

	inst, err := l.construct(typ, p)
	if err != nil {
		return err
	}
	registry, err := injector.Resolve[*extension.Registry](l.container)
	if err != nil {
		return err
	}
	for _, pending := range typ.Pending() {
		if err := registry.AddExtension(inst, pending.Object, pending.Endpoints...); err != nil {
			return err
		}
	}

	p.Plugin = inst
	l.mu.Lock()
	l.loaded = append(l.loaded, inst)
	l.mu.Unlock()
	return nil
}

func (l *Loader) construct(typ *Type, p *pack.Pack) (Plugin, error) {
	obj, err := l.container.Call(typ.constructor())
	if err != nil {
		return nil, err
	}
	inst, ok := obj.(Plugin)
	if !ok || inst == nil {
		return nil, apperrors.ErrInvalidPluginModule.WithMessagef("constructor of %s returned %T", typ.Name, obj)
	}
	inst.attach(p)
	return inst, nil
}

// LoadAll loads every plugin pack in packs after the packs it depends on.
// A failing pack is logged and skipped. PLUGIN_LOADED_ALL is dispatched with
// the loader once every pack was tried; the joined load errors are returned.
func (l *Loader) LoadAll(ctx context.Context, packs []*pack.Pack) error {
	var plugins []*pack.Pack
	for _, p := range packs {
		if p != nil && p.IsPlugin() {
			plugins = append(plugins, p)
		}
	}
	ordered, err := pack.DependencyOrder(plugins, l.logger)
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := l.Load(ctx, p); err != nil {
			l.logger.Error("failed to load plugin", zap.String("pack", p.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}

	l.bus.Dispatch(event.PluginLoadedAll, l)
	return errors.Join(errs...)
}

// Teardown tears down loaded plugins that implement injector.Teardowner in
// reverse load order
func (l *Loader) Teardown() {
	l.mu.Lock()
	loaded := l.loaded
	l.loaded = nil
	l.mu.Unlock()

	for i := len(loaded) - 1; i >= 0; i-- {
		td, ok := loaded[i].(injector.Teardowner)
		if !ok {
			continue
		}
		if err := teardownSafely(td); err != nil {
			l.logger.Error("plugin teardown failed", zap.String("pack", loaded[i].PackName()), zap.Error(err))
		}
	}
}

func teardownSafely(td injector.Teardowner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return td.Teardown()
}
