package runtime

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
	"github.com/jrjohn/arcana-runtime/internal/jobs"
	"github.com/jrjohn/arcana-runtime/internal/pack"
	"github.com/jrjohn/arcana-runtime/internal/plugin"
	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

var (
	drawablesID = uuid.MustParse("3c1f8e2a-7d4b-4a6e-9f05-1b2c3d4e5f60")
	toolsID     = uuid.MustParse("3c1f8e2a-7d4b-4a6e-9f05-1b2c3d4e5f61")
)

type Drawable interface {
	Draw() string
}

type Tool interface {
	Use() string
}

type sprite struct{ name string }

func (s *sprite) Draw() string { return s.name }

// brush is both drawable and a tool
type brush struct{}

func (*brush) Draw() string { return "stroke" }

func (*brush) Use() string { return "paint" }

type closer struct {
	name string
	err  error
	log  *[]string
}

func (c *closer) Draw() string { return c.name }

func (c *closer) Teardown() error {
	*c.log = append(*c.log, c.name)
	return c.err
}

type paintPlugin struct {
	plugin.Base
	registry *extension.Registry
}

type fixture struct {
	rt     *Runtime
	opener *plugin.StaticOpener
	logs   *observer.ObservedLogs
	dir    string
	loaded []*pack.Pack
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	opener := plugin.NewStaticOpener()

	rt, err := New(zap.New(core), append([]Option{WithOpeners(opener)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(rt.Teardown)

	f := &fixture{rt: rt, opener: opener, logs: logs, dir: t.TempDir()}
	rt.Bus().AppendListener(event.PluginLoadedOne, func(args ...any) {
		f.loaded = append(f.loaded, args[0].(*pack.Pack))
	})
	return f
}

func (f *fixture) defineDrawables(t *testing.T, builtins ...any) {
	t.Helper()
	opts := []extension.EndpointOption{extension.InstanceOf[Drawable]()}
	if len(builtins) > 0 {
		opts = append(opts, extension.WithBuiltins(func() []any { return builtins }))
	}
	require.NoError(t, f.rt.DefineEndpoint(extension.NewEndpoint("drawables", "things that draw", drawablesID, opts...)))
}

func (f *fixture) writePack(t *testing.T, name, module string, id uuid.UUID) *pack.Pack {
	t.Helper()
	root := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(root, 0o755))
	content := fmt.Sprintf("format: arcana-pack-v1\nname: %s\nversion: 1\nuuid: %s\nis_plugin: true\nplugin:\n  module_name: %s\n",
		name, id, module)
	require.NoError(t, os.WriteFile(filepath.Join(root, pack.MetadataFile), []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, f.opener.EntryFile()), []byte("module: "+module+"\n"), 0o644))

	p, err := pack.Load(root)
	require.NoError(t, err)
	return p
}

func (f *fixture) extensions(t *testing.T, id uuid.UUID) []*extension.Extension {
	t.Helper()
	storage, err := f.rt.Registry().Endpoint(id)
	require.NoError(t, err)
	return storage.Extensions()
}

func paintModule(pending ...plugin.PendingExtension) func() *plugin.Definition {
	return func() *plugin.Definition {
		return &plugin.Definition{
			Type: &plugin.Type{
				Name:    "paint",
				Include: func() []plugin.PendingExtension { return pending },
				Constructor: func(r *extension.Registry) *paintPlugin {
					return &paintPlugin{registry: r}
				},
			},
		}
	}
}

func TestNew_ContainerResolvesCore(t *testing.T) {
	f := newFixture(t)
	c := f.rt.Container()
	assert.Equal(t, injector.AppScope, c.Kind())

	registry, err := injector.Resolve[*extension.Registry](c)
	require.NoError(t, err)
	assert.Same(t, f.rt.Registry(), registry)

	bus, err := injector.Resolve[*event.Bus](c)
	require.NoError(t, err)
	assert.Same(t, f.rt.Bus(), bus)

	loader, err := injector.Resolve[*plugin.Loader](c)
	require.NoError(t, err)
	assert.Same(t, f.rt.Loader(), loader)

	runner, err := injector.Resolve[*jobs.Runner](c)
	require.NoError(t, err)
	assert.Same(t, f.rt.Jobs(), runner)
	assert.NotNil(t, f.rt.Features())
}

func TestRuntime_BuiltinsThenPluginExtensions(t *testing.T) {
	f := newFixture(t)
	b := &sprite{name: "B"}
	f.defineDrawables(t, b)

	builtin, err := f.rt.InitBuiltins()
	require.NoError(t, err)
	assert.Equal(t, plugin.BuiltinPluginUUID, builtin.PackUUID())

	exts := f.extensions(t, drawablesID)
	require.Len(t, exts, 1)
	assert.Same(t, b, exts[0].Object)
	assert.False(t, exts[0].FromPlugin)

	var seen []any
	_, err = f.rt.Subscribe(drawablesID, func(obj any) { seen = append(seen, obj) })
	require.NoError(t, err)
	assert.Equal(t, []any{b}, seen)

	obj2 := &sprite{name: "obj2"}
	f.opener.Register("paint", paintModule(plugin.Include(obj2, drawablesID)))
	p := f.writePack(t, "Paint", "paint", uuid.New())
	require.NoError(t, f.rt.LoadPlugin(context.Background(), p))

	exts = f.extensions(t, drawablesID)
	require.Len(t, exts, 2)
	assert.Same(t, b, exts[0].Object)
	assert.Same(t, obj2, exts[1].Object)
	assert.True(t, exts[1].FromPlugin)
	assert.Equal(t, p.UUID(), exts[1].Owner.PackUUID())

	assert.Equal(t, []any{b, obj2}, seen, "subscriber sees existing then new objects synchronously")

	inst, ok := p.Plugin.(*paintPlugin)
	require.True(t, ok)
	assert.Same(t, f.rt.Registry(), inst.registry)
}

func TestRuntime_DuplicateRegistration(t *testing.T) {
	f := newFixture(t)
	f.defineDrawables(t)
	owner, err := f.rt.InitBuiltins()
	require.NoError(t, err)

	obj := &sprite{name: "twice"}
	require.NoError(t, f.rt.AddExtension(owner, obj, drawablesID))
	err = f.rt.AddExtension(owner, obj, drawablesID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDuplicateExtension))
	assert.Len(t, f.extensions(t, drawablesID), 1)
}

func TestRuntime_AffinityToTwoEndpoints(t *testing.T) {
	f := newFixture(t)
	f.defineDrawables(t)
	require.NoError(t, f.rt.DefineEndpoint(extension.NewEndpoint("tools", "", toolsID, extension.InstanceOf[Tool]())))

	f.opener.Register("paint", paintModule(plugin.Include(&brush{}, drawablesID, toolsID)))
	require.NoError(t, f.rt.LoadPlugin(context.Background(), f.writePack(t, "Paint", "paint", uuid.New())))

	assert.Len(t, f.extensions(t, drawablesID), 1)
	assert.Len(t, f.extensions(t, toolsID), 1)
}

func TestRuntime_InitBuiltinsTwice(t *testing.T) {
	f := newFixture(t)
	f.defineDrawables(t, &sprite{name: "B"})

	_, err := f.rt.InitBuiltins()
	require.NoError(t, err)

	_, err = f.rt.InitBuiltins()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyInitialized))
	assert.Len(t, f.extensions(t, drawablesID), 1)
}

func TestRuntime_LoadTwiceAnnouncesOnce(t *testing.T) {
	f := newFixture(t)
	f.defineDrawables(t)
	f.opener.Register("paint", paintModule(plugin.Include(&sprite{name: "once"}, drawablesID)))

	p := f.writePack(t, "Paint", "paint", uuid.New())
	require.NoError(t, f.rt.LoadPlugin(context.Background(), p))
	require.NoError(t, f.rt.LoadPlugin(context.Background(), p))

	assert.Len(t, f.loaded, 1)
	assert.Len(t, f.extensions(t, drawablesID), 1)
}

func TestRuntime_UUIDMismatch(t *testing.T) {
	f := newFixture(t)
	f.defineDrawables(t)
	f.opener.Register("paint", paintModule())

	require.NoError(t, f.rt.LoadPlugin(context.Background(), f.writePack(t, "Paint", "paint", uuid.New())))
	err := f.rt.LoadPlugin(context.Background(), f.writePack(t, "Forgery", "paint", uuid.New()))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUUIDMismatch))
	assert.Len(t, f.loaded, 1)
}

func TestRuntime_LoadAllDispatchesLoadedAll(t *testing.T) {
	f := newFixture(t)
	f.defineDrawables(t)
	f.opener.Register("paint", paintModule(plugin.Include(&sprite{name: "a"}, drawablesID)))

	var all int
	f.rt.Bus().AppendListener(event.PluginLoadedAll, func(args ...any) {
		all++
		assert.Same(t, f.rt.Loader(), args[0])
	})

	packs := []*pack.Pack{f.writePack(t, "Paint", "paint", uuid.New()), f.writePack(t, "Broken", "missing", uuid.New())}
	err := f.rt.LoadAll(context.Background(), packs)
	require.Error(t, err)
	assert.Equal(t, 1, all)
	assert.Len(t, f.loaded, 1)
}

func TestRuntime_TeardownContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	var log []string
	first := &closer{name: "first", log: &log}
	failing := &closer{name: "failing", err: errors.New("disk gone"), log: &log}
	last := &closer{name: "last", log: &log}
	f.defineDrawables(t, first, failing, last)

	_, err := f.rt.InitBuiltins()
	require.NoError(t, err)

	var delivered int
	_, err = f.rt.Subscribe(drawablesID, func(any) { delivered++ })
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)

	f.rt.Enqueue(event.StatusPopup, "pending")
	f.rt.Teardown()
	f.rt.Teardown()

	assert.Equal(t, []string{"last", "failing", "first"}, log)
	assert.Equal(t, 1, f.logs.FilterMessage("teardown of extension object failed").Len())
	assert.False(t, f.rt.Bus().HasListeners(event.ExtensionRegistered))
	assert.False(t, f.rt.Process(), "queued events are dropped")
}

func TestRuntime_EventsAndStartup(t *testing.T) {
	f := newFixture(t)

	var got []string
	f.rt.Bus().AppendListener(event.StatusPopup, func(args ...any) { got = append(got, args[0].(string)) })
	var started bool
	f.rt.Bus().AppendListener(event.FinishedStartup, func(...any) { started = true })

	f.rt.Dispatch(event.StatusPopup, "now")
	f.rt.Enqueue(event.StatusPopup, "later")
	assert.Equal(t, []string{"now"}, got)
	assert.True(t, f.rt.Process())
	assert.Equal(t, []string{"now", "later"}, got)
	assert.False(t, f.rt.Process())

	f.rt.FinishStartup()
	assert.True(t, started)
	assert.Equal(t, 1, f.logs.FilterMessage("startup finished").Len())
}

func TestRuntime_RunJob(t *testing.T) {
	type settings struct{ retention int }
	f := newFixture(t, WithJobBindings(&settings{retention: 7}))

	status, err := f.rt.RunJob(context.Background(), jobs.Job{
		Name: "prune",
		Func: func(s *settings, r *extension.Registry) int {
			assert.Same(t, f.rt.Registry(), r)
			return s.retention
		},
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StateSucceeded, status.State)
	assert.Equal(t, 7, status.Result)
}

func TestRuntime_UnsubscribeAndSkipExisting(t *testing.T) {
	f := newFixture(t)
	f.defineDrawables(t, &sprite{name: "B"})
	_, err := f.rt.InitBuiltins()
	require.NoError(t, err)

	_, err = f.rt.SubscribeExtensions(drawablesID, func(*extension.Extension) {}, extension.SkipExisting())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrExistingExtensions))

	var names []string
	h, err := f.rt.SubscribeExtensions(drawablesID, func(x *extension.Extension) { names = append(names, x.Name()) })
	require.NoError(t, err)
	assert.Len(t, names, 1)
	assert.True(t, f.rt.Unsubscribe(h))
	assert.False(t, f.rt.Unsubscribe(h))
}
