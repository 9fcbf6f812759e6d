package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jrjohn/arcana-runtime/internal/event"
	"github.com/jrjohn/arcana-runtime/internal/extension"
	"github.com/jrjohn/arcana-runtime/internal/injector"
	"github.com/jrjohn/arcana-runtime/internal/pack"
	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

var shapesID = uuid.MustParse("9a3f4c2d-6b1e-4f0a-8c7d-5e4b3a2f1c01")

type Shape interface {
	Area() float64
}

type square struct{ side float64 }

func (s *square) Area() float64 { return s.side * s.side }

type circle struct{ r float64 }

func (c *circle) Area() float64 { return 3 * c.r * c.r }

type geometryPlugin struct {
	Base
	registry *extension.Registry
	torn     *[]string
}

func (g *geometryPlugin) Teardown() error {
	if g.torn != nil {
		*g.torn = append(*g.torn, g.PackName())
	}
	return nil
}

type notAPlugin struct{}

type loaderFixture struct {
	container *injector.Container
	bus       *event.Bus
	registry  *extension.Registry
	opener    *StaticOpener
	loader    *Loader
	logs      *observer.ObservedLogs
	announced []*pack.Pack
	dir       string
}

func newLoaderFixture(t *testing.T) *loaderFixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	c, err := injector.NewAppContainer(logger)
	require.NoError(t, err)
	bus := event.NewBus(logger)
	registry := extension.NewRegistry(bus, c, logger)
	require.NoError(t, c.Supply(registry))
	require.NoError(t, registry.DefineEndpoint(
		extension.NewEndpoint("shapes", "things with an area", shapesID, extension.InstanceOf[Shape]())))

	opener := NewStaticOpener()
	f := &loaderFixture{
		container: c,
		bus:       bus,
		registry:  registry,
		opener:    opener,
		loader:    NewLoader(c, bus, logger, WithOpeners(opener)),
		logs:      logs,
		dir:       t.TempDir(),
	}
	bus.AppendListener(event.PluginLoadedOne, func(args ...any) {
		f.announced = append(f.announced, args[0].(*pack.Pack))
	})
	return f
}

// writePluginPack writes a plugin pack using module and returns it loaded
func (f *loaderFixture) writePluginPack(t *testing.T, name, module string, id uuid.UUID, deps ...uuid.UUID) *pack.Pack {
	t.Helper()
	root := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(root, 0o755))

	content := fmt.Sprintf("format: arcana-pack-v1\nname: %s\nversion: 1\nuuid: %s\nis_plugin: true\nplugin:\n  module_name: %s\n",
		name, id, module)
	if len(deps) > 0 {
		content += "dependencies:\n"
		for _, dep := range deps {
			content += fmt.Sprintf("  - uuid: %s\n    minimum_version: 1\n", dep)
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, pack.MetadataFile), []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, f.opener.EntryFile()), []byte("module: "+module+"\n"), 0o644))

	p, err := pack.Load(root)
	require.NoError(t, err)
	return p
}

func (f *loaderFixture) shapes(t *testing.T) []*extension.Extension {
	t.Helper()
	storage, err := f.registry.Endpoint(shapesID)
	require.NoError(t, err)
	return storage.Extensions()
}

// geometryModule returns a module whose package initialisers append their
// name to calls
func geometryModule(calls *[]string, opens *int, torn *[]string) func() *Definition {
	record := func(name string) PackageInit {
		return func(b *Builder) error {
			*calls = append(*calls, b.Package())
			return nil
		}
	}
	return func() *Definition {
		*opens++
		return &Definition{
			Type: &Type{
				Name:           "geometry",
				WalkPackages:   []string{"shapes"},
				ImportPackages: []string{"tools"},
				Include: func() []PendingExtension {
					return []PendingExtension{Include(&square{side: 2}, shapesID)}
				},
				Constructor: func(r *extension.Registry) *geometryPlugin {
					return &geometryPlugin{registry: r, torn: torn}
				},
			},
			Packages: map[string]PackageInit{
				"shapes": record("shapes"),
				"shapes.round": func(b *Builder) error {
					*calls = append(*calls, b.Package())
					b.Include(&circle{r: 1}, shapesID)
					return nil
				},
				"shapes._private":      record("shapes._private"),
				"shapes._private.deep": record("shapes._private.deep"),
				"tools":                record("tools"),
				"tools.hidden":         record("tools.hidden"),
				"other":                record("other"),
			},
		}
	}
}

func TestLoader_Load(t *testing.T) {
	f := newLoaderFixture(t)
	var calls []string
	opens := 0
	f.opener.Register("geometry", geometryModule(&calls, &opens, nil))

	id := uuid.New()
	p := f.writePluginPack(t, "Geometry", "geometry", id)
	require.NoError(t, f.loader.Load(context.Background(), p))

	assert.Equal(t, []string{"shapes", "shapes.round", "tools"}, calls)
	require.Len(t, f.announced, 1)
	assert.Same(t, p, f.announced[0])

	inst, ok := p.Plugin.(*geometryPlugin)
	require.True(t, ok, "got %T", p.Plugin)
	assert.Same(t, f.registry, inst.registry)
	assert.Equal(t, id, inst.PackUUID())
	assert.Equal(t, "Geometry", inst.PackName())
	assert.Same(t, p, inst.Pack())

	exts := f.shapes(t)
	require.Len(t, exts, 2)
	assert.IsType(t, &square{}, exts[0].Object)
	assert.IsType(t, &circle{}, exts[1].Object)
	for _, ext := range exts {
		assert.True(t, ext.FromPlugin)
		assert.Equal(t, id, ext.Owner.PackUUID())
	}

	m, ok := f.loader.Modules().Lookup("plugins.geometry")
	require.True(t, ok)
	assert.Equal(t, ModuleImported, m.State())
	assert.Same(t, p, m.Type().Pack())
	assert.Equal(t, []Plugin{inst}, f.loader.Loaded())
}

func TestLoader_LoadTwiceIsNoop(t *testing.T) {
	f := newLoaderFixture(t)
	var calls []string
	opens := 0
	f.opener.Register("geometry", geometryModule(&calls, &opens, nil))

	p := f.writePluginPack(t, "Geometry", "geometry", uuid.New())
	require.NoError(t, f.loader.Load(context.Background(), p))
	first := p.Plugin

	require.NoError(t, f.loader.Load(context.Background(), p))
	assert.Len(t, f.announced, 1)
	assert.Equal(t, 1, opens)
	assert.Same(t, first, p.Plugin)
	assert.Len(t, f.shapes(t), 2)
}

func TestLoader_UUIDMismatch(t *testing.T) {
	f := newLoaderFixture(t)
	var calls []string
	opens := 0
	f.opener.Register("geometry", geometryModule(&calls, &opens, nil))

	require.NoError(t, f.loader.Load(context.Background(), f.writePluginPack(t, "Geometry", "geometry", uuid.New())))

	otherID := uuid.New()
	other := f.writePluginPack(t, "Impostor", "geometry", otherID)
	err := f.loader.Load(context.Background(), other)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUUIDMismatch))
	assert.Contains(t, err.Error(), "Impostor")
	assert.Contains(t, err.Error(), otherID.String())
	assert.Equal(t, apperrors.CategoryPluginLoad, apperrors.CategoryOf(err))
	assert.Len(t, f.announced, 1)
	assert.Nil(t, other.Plugin)
}

func TestLoader_ValidateFailures(t *testing.T) {
	f := newLoaderFixture(t)
	f.opener.Register("geometry", func() *Definition { return &Definition{Type: &Type{Name: "geometry"}} })

	notPlugin := f.writePluginPack(t, "NotPlugin", "geometry", uuid.New())
	notPlugin.Metadata.IsPlugin = false

	noModule := f.writePluginPack(t, "NoModule", "geometry", uuid.New())
	noModule.Metadata.Plugin = nil

	badModule := f.writePluginPack(t, "BadModule", "geometry", uuid.New())
	badModule.Metadata.Plugin.ModuleName = "../escape"

	noEntry := f.writePluginPack(t, "NoEntry", "geometry", uuid.New())
	require.NoError(t, os.Remove(filepath.Join(noEntry.Path, f.opener.EntryFile())))

	noPath := f.writePluginPack(t, "NoPath", "geometry", uuid.New())
	noPath.Path = ""

	missingPath := f.writePluginPack(t, "MissingPath", "geometry", uuid.New())
	missingPath.Path = filepath.Join(f.dir, "gone")

	reserved := f.writePluginPack(t, "Reserved", "geometry", BuiltinPluginUUID)

	tests := []struct {
		name string
		pack *pack.Pack
	}{
		{"nil pack", nil},
		{"not a plugin", notPlugin},
		{"no module name", noModule},
		{"invalid module name", badModule},
		{"missing entry file", noEntry},
		{"no path", noPath},
		{"missing path", missingPath},
		{"builtin uuid", reserved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.loader.Load(context.Background(), tt.pack)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPluginPack), "got %v", err)
			if tt.pack != nil {
				assert.Contains(t, err.Error(), tt.pack.Name())
				assert.Contains(t, err.Error(), tt.pack.UUID().String())
			}
		})
	}

	assert.Empty(t, f.loader.Modules().Names())
	assert.Empty(t, f.announced)
}

func TestLoader_CanceledContext(t *testing.T) {
	f := newLoaderFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.loader.Load(ctx, f.writePluginPack(t, "Geometry", "geometry", uuid.New()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.loader.Modules().Names())
}

func TestLoader_InvalidModules(t *testing.T) {
	tests := []struct {
		name   string
		module func() *Definition
	}{
		{"no plugin type", func() *Definition { return &Definition{} }},
		{"nil definition", func() *Definition { return nil }},
		{"constructor is not a plugin", func() *Definition {
			return &Definition{Type: &Type{Constructor: func() *notAPlugin { return &notAPlugin{} }}}
		}},
		{"unknown walk package", func() *Definition {
			return &Definition{Type: &Type{WalkPackages: []string{"missing"}}}
		}},
		{"unknown import package", func() *Definition {
			return &Definition{Type: &Type{ImportPackages: []string{"missing"}}}
		}},
		{"package init fails", func() *Definition {
			return &Definition{
				Type:     &Type{ImportPackages: []string{"broken"}},
				Packages: map[string]PackageInit{"broken": func(*Builder) error { return errors.New("boom") }},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLoaderFixture(t)
			f.opener.Register("broken", tt.module)
			p := f.writePluginPack(t, "Broken", "broken", uuid.New())

			err := f.loader.Load(context.Background(), p)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPluginModule), "got %v", err)
			assert.Contains(t, err.Error(), "Broken")

			m, ok := f.loader.Modules().Lookup("plugins.broken")
			require.True(t, ok)
			assert.Equal(t, ModuleFailed, m.State())
			assert.Empty(t, f.announced)

			// the stale entry keeps failing until it is removed
			err = f.loader.Load(context.Background(), p)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPluginModule))
			assert.True(t, f.loader.Modules().Remove("plugins.broken"))
		})
	}
}

func TestLoader_UnregisteredStaticModule(t *testing.T) {
	f := newLoaderFixture(t)
	err := f.loader.Load(context.Background(), f.writePluginPack(t, "Ghost", "ghost", uuid.New()))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPluginModule))
	assert.Contains(t, err.Error(), "no compiled-in module named ghost")
}

func TestLoader_UnresolvableConstructor(t *testing.T) {
	type missing struct{}
	f := newLoaderFixture(t)
	f.opener.Register("needy", func() *Definition {
		return &Definition{Type: &Type{Constructor: func(*missing) *Base { return &Base{} }}}
	})

	err := f.loader.Load(context.Background(), f.writePluginPack(t, "Needy", "needy", uuid.New()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Needy")
	assert.Empty(t, f.announced)
}

func TestLoader_DuplicateExtensionFailsLoad(t *testing.T) {
	f := newLoaderFixture(t)
	shared := &square{side: 1}
	f.opener.Register("dupes", func() *Definition {
		return &Definition{Type: &Type{
			Include: func() []PendingExtension {
				return []PendingExtension{Include(shared, shapesID), Include(shared, shapesID)}
			},
		}}
	})

	err := f.loader.Load(context.Background(), f.writePluginPack(t, "Dupes", "dupes", uuid.New()))
	assert.True(t, apperrors.Is(err, apperrors.ErrDuplicateExtension), "got %v", err)
}

func TestLoader_LoadAll(t *testing.T) {
	f := newLoaderFixture(t)
	for _, module := range []string{"base", "addon"} {
		f.opener.Register(module, func() *Definition { return &Definition{Type: &Type{Name: module}} })
	}

	var allLoaded []any
	f.bus.AppendListener(event.PluginLoadedAll, func(args ...any) {
		allLoaded = append(allLoaded, args...)
	})

	baseID := uuid.New()
	addon := f.writePluginPack(t, "A-Addon", "addon", uuid.New(), baseID)
	base := f.writePluginPack(t, "Z-Base", "base", baseID)
	broken := f.writePluginPack(t, "M-Broken", "unregistered", uuid.New())
	content := &pack.Pack{Path: f.dir, Metadata: &pack.Metadata{Name: "content", UUID: uuid.New(), Version: 1}}

	err := f.loader.LoadAll(context.Background(), []*pack.Pack{addon, broken, content, base})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "M-Broken")

	require.Len(t, f.announced, 2)
	assert.Equal(t, "Z-Base", f.announced[0].Name())
	assert.Equal(t, "A-Addon", f.announced[1].Name())
	assert.Equal(t, []any{f.loader}, allLoaded)
	assert.Len(t, f.logs.FilterMessage("failed to load plugin").All(), 1)
}

func TestLoader_InitBuiltins(t *testing.T) {
	f := newLoaderFixture(t)
	builtinsID := uuid.New()
	require.NoError(t, f.registry.DefineEndpoint(extension.NewEndpoint("defaults", "", builtinsID,
		extension.WithBuiltins(func() []any { return []any{&square{side: 3}} }))))

	inst, err := f.loader.InitBuiltins()
	require.NoError(t, err)
	assert.IsType(t, &BuiltinPlugin{}, inst)
	assert.Equal(t, BuiltinPluginUUID, inst.PackUUID())
	assert.Equal(t, "builtin", inst.PackName())

	storage, err := f.registry.Endpoint(builtinsID)
	require.NoError(t, err)
	exts := storage.Extensions()
	require.Len(t, exts, 1)
	assert.False(t, exts[0].FromPlugin)
	assert.Same(t, inst, exts[0].Owner)

	_, err = f.loader.InitBuiltins()
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyInitialized))
}

func TestLoader_Teardown(t *testing.T) {
	f := newLoaderFixture(t)
	var torn []string
	for _, module := range []string{"first", "second"} {
		var calls []string
		opens := 0
		def := geometryModule(&calls, &opens, &torn)
		f.opener.Register(module, func() *Definition {
			d := def()
			d.Type.Include = nil
			d.Packages["shapes.round"] = func(*Builder) error { return nil }
			return d
		})
	}

	require.NoError(t, f.loader.Load(context.Background(), f.writePluginPack(t, "First", "first", uuid.New())))
	require.NoError(t, f.loader.Load(context.Background(), f.writePluginPack(t, "Second", "second", uuid.New())))

	f.loader.Teardown()
	assert.Equal(t, []string{"Second", "First"}, torn)
	assert.Empty(t, f.loader.Loaded())

	f.loader.Teardown()
	assert.Len(t, torn, 2)
}

func TestWalk(t *testing.T) {
	packages := map[string]PackageInit{
		"a":         nil,
		"a.b":       nil,
		"a.b.c":     nil,
		"a._x":      nil,
		"a._x.y":    nil,
		"a.b._z":    nil,
		"ab":        nil,
		"other.a.b": nil,
	}
	assert.Equal(t, []string{"a", "a.b", "a.b.c"}, walk(packages, "a"))
	assert.Equal(t, []string{"a.b", "a.b.c"}, walk(packages, "a.b"))
	assert.Empty(t, walk(packages, "missing"))
}

func TestModuleRef_Qualified(t *testing.T) {
	assert.Equal(t, "plugins.geometry", ModuleRef{Namespace: "plugins", Name: "geometry"}.Qualified())
	assert.Equal(t, "geometry", ModuleRef{Name: "geometry"}.Qualified())
}

func TestWithNamespace(t *testing.T) {
	f := newLoaderFixture(t)
	loader := NewLoader(f.container, f.bus, nil, WithOpeners(f.opener), WithNamespace("ext"))
	f.opener.Register("geometry", func() *Definition { return &Definition{Type: &Type{}} })

	require.NoError(t, loader.Load(context.Background(), f.writePluginPack(t, "Geometry", "geometry", uuid.New())))
	assert.Equal(t, []string{"ext.geometry"}, loader.Modules().Names())
}
