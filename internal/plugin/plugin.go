// Package plugin turns plugin packs into live plugin instances.
//
// A plugin module exposes a Definition: its plugin Type plus the packages
// that self-register extensions through a Builder. The Loader opens the
// module, imports its packages, constructs the plugin through the app
// container and registers the plugin's pending extensions.
package plugin

import (
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/jrjohn/arcana-runtime/internal/pack"
)

// Plugin is implemented by every loaded plugin instance. It can only be
// satisfied by embedding Base.
type Plugin interface {
	Pack() *pack.Pack
	PackUUID() uuid.UUID
	PackName() string
	attach(p *pack.Pack)
}

var pluginType = reflect.TypeFor[Plugin]()

// Base carries a plugin's back-reference to its pack. Plugin
// implementations embed *Base or Base.
type Base struct {
	pack *pack.Pack
}

// Pack returns the pack the plugin was loaded from
func (b *Base) Pack() *pack.Pack {
	return b.pack
}

// PackUUID returns the UUID of the plugin's pack
func (b *Base) PackUUID() uuid.UUID {
	if b.pack == nil {
		return uuid.Nil
	}
	return b.pack.UUID()
}

// PackName returns the name of the plugin's pack
func (b *Base) PackName() string {
	if b.pack == nil {
		return ""
	}
	return b.pack.Name()
}

func (b *Base) attach(p *pack.Pack) {
	b.pack = p
}

// PendingExtension is an object a plugin registers once it is constructed
type PendingExtension struct {
	Object    any
	Endpoints []uuid.UUID
}

// Include is shorthand for building a PendingExtension
func Include(obj any, endpoints ...uuid.UUID) PendingExtension {
	return PendingExtension{Object: obj, Endpoints: endpoints}
}

// Type describes a plugin before it is instantiated.
//
// Include is a static declaration of the plugin's own extensions. Constructor
// is a dig-style function whose first result embeds Base; its parameters are
// resolved from the app container. A nil Constructor builds a bare *Base.
type Type struct {
	Name           string
	WalkPackages   []string
	ImportPackages []string
	Include        func() []PendingExtension
	Constructor    any

	mu      sync.RWMutex
	pack    *pack.Pack
	builder *Builder
}

// Pack returns the pack attached to the type, nil before instantiation
func (t *Type) Pack() *pack.Pack {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pack
}

func (t *Type) attach(p *pack.Pack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pack = p
}

func (t *Type) setBuilder(b *Builder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.builder = b
}

// Pending returns the type's declared extensions followed by those its
// packages registered through the builder
func (t *Type) Pending() []PendingExtension {
	var out []PendingExtension
	if t.Include != nil {
		out = append(out, t.Include()...)
	}
	t.mu.RLock()
	b := t.builder
	t.mu.RUnlock()
	if b != nil {
		out = append(out, b.Pending()...)
	}
	return out
}

func (t *Type) constructor() any {
	if t.Constructor != nil {
		return t.Constructor
	}
	return func() *Base { return &Base{} }
}

// validate checks that the constructor yields a Plugin
func (t *Type) validate() bool {
	ct := reflect.TypeOf(t.constructor())
	if ct.Kind() != reflect.Func || ct.NumOut() == 0 {
		return false
	}
	return ct.Out(0).Implements(pluginType)
}

// PackageInit registers a package's extensions with b. It runs at most once
// per loaded module.
type PackageInit func(b *Builder) error

// Definition is what a plugin module exposes
type Definition struct {
	Type     *Type
	Packages map[string]PackageInit
}

// Builder collects the extensions a module's packages register
type Builder struct {
	module  string
	pkg     string
	pending []PendingExtension
}

func newBuilder(module string) *Builder {
	return &Builder{module: module}
}

// Module returns the qualified name of the module being imported
func (b *Builder) Module() string {
	return b.module
}

// Package returns the package currently being initialised
func (b *Builder) Package() string {
	return b.pkg
}

// Include records obj as an extension of the plugin under construction
func (b *Builder) Include(obj any, endpoints ...uuid.UUID) {
	b.pending = append(b.pending, Include(obj, endpoints...))
}

// Pending returns what has been included so far
func (b *Builder) Pending() []PendingExtension {
	out := make([]PendingExtension, len(b.pending))
	copy(out, b.pending)
	return out
}
