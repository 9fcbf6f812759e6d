// Package lua loads script plugins written in Lua.
//
// A script plugin pack carries an init.lua entry file next to pack.yaml.
// Its packages are the directories and .lua files below the pack root:
// shapes/round.lua is package "shapes.round" and shapes/init.lua is package
// "shapes". Scripts declare the plugin with plugin.define{...} and register
// extensions with plugin.include{...}.
package lua

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/plugin"
)

// EntryFile marks a Lua plugin module
const EntryFile = "init.lua"

// Opener opens Lua plugin modules
type Opener struct {
	logger *zap.Logger
}

// NewOpener creates a Lua module opener
func NewOpener(logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{logger: logger.Named("lua")}
}

// EntryFile implements plugin.Opener
func (o *Opener) EntryFile() string {
	return EntryFile
}

// Open runs the entry script in a fresh Lua state and returns the module's
// definition. The state lives until the plugin instance is torn down.
func (o *Opener) Open(ref plugin.ModuleRef, entryPath string) (*plugin.Definition, error) {
	m := newModule(ref, filepath.Dir(entryPath), o.logger.With(zap.String("module", ref.Qualified())))

	if err := m.run(entryPath, nil); err != nil {
		m.close()
		return nil, err
	}
	packages, err := m.scanPackages()
	if err != nil {
		m.close()
		return nil, err
	}

	name := m.name
	if name == "" {
		name = ref.Name
	}
	return &plugin.Definition{
		Type: &plugin.Type{
			Name:           name,
			WalkPackages:   m.walk,
			ImportPackages: m.imports,
			Include:        m.included,
			Constructor:    func() *Plugin { return &Plugin{module: m} },
		},
		Packages: packages,
	}, nil
}

// Plugin is a loaded Lua plugin. Tearing it down closes its Lua state.
type Plugin struct {
	plugin.Base
	module *Module
}

// Module returns the plugin's script module
func (p *Plugin) Module() *Module {
	return p.module
}

// Teardown implements injector.Teardowner
func (p *Plugin) Teardown() error {
	p.module.close()
	return nil
}

// Module is a Lua state shared by a plugin's scripts
type Module struct {
	ref    plugin.ModuleRef
	root   string
	logger *zap.Logger

	mu       sync.Mutex
	state    *lua.LState
	current  *plugin.Builder
	name     string
	walk     []string
	imports  []string
	includes []plugin.PendingExtension
}

func newModule(ref plugin.ModuleRef, root string, logger *zap.Logger) *Module {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	// scripts are loaded by the runtime, never by each other
	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	m := &Module{ref: ref, root: root, logger: logger, state: L}

	api := L.NewTable()
	L.SetField(api, "module", lua.LString(ref.Qualified()))
	L.SetField(api, "define", L.NewFunction(m.define))
	L.SetField(api, "include", L.NewFunction(m.include))
	L.SetField(api, "log", L.NewFunction(m.log))
	L.SetGlobal("plugin", api)
	return m
}

// Name returns the qualified module name
func (m *Module) Name() string {
	return m.ref.Qualified()
}

// run executes path with b receiving the extensions it includes. A nil b
// collects them as the plugin type's own extensions.
func (m *Module) run(path string, b *plugin.Builder) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return ErrStateClosed
	}
	m.current = b
	defer func() {
		m.current = nil
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic in %s: %v", path, r)
		}
	}()
	if err := m.state.DoFile(path); err != nil {
		return fmt.Errorf("run %s: %w", m.rel(path), err)
	}
	return nil
}

func (m *Module) rel(path string) string {
	if r, err := filepath.Rel(m.root, path); err == nil {
		return r
	}
	return path
}

func (m *Module) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		m.state.Close()
		m.state = nil
	}
}

func (m *Module) included() []plugin.PendingExtension {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]plugin.PendingExtension, len(m.includes))
	copy(out, m.includes)
	return out
}

// scanPackages maps every directory and .lua file below the module root to
// a package initialiser running that file
func (m *Module) scanPackages() (map[string]plugin.PackageInit, error) {
	packages := make(map[string]plugin.PackageInit)
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == m.root {
			return nil
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, ok := packages[packageName(rel)]; !ok {
				packages[packageName(rel)] = nil
			}
			return nil
		}
		if filepath.Ext(rel) != ".lua" || filepath.Dir(rel) == "." && d.Name() == EntryFile {
			return nil
		}

		name := packageName(strings.TrimSuffix(rel, ".lua"))
		if d.Name() == EntryFile {
			name = packageName(filepath.Dir(rel))
		}
		packages[name] = m.packageInit(path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return packages, nil
}

func (m *Module) packageInit(path string) plugin.PackageInit {
	return func(b *plugin.Builder) error {
		if _, err := os.Stat(path); err != nil {
			return err
		}
		return m.run(path, b)
	}
}

func packageName(rel string) string {
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", ".")
}

// define implements plugin.define{name=..., walk={...}, import={...}}
func (m *Module) define(L *lua.LState) int {
	tbl := L.CheckTable(1)

	if name, ok := L.GetField(tbl, "name").(lua.LString); ok {
		m.name = string(name)
	}
	walk, err := stringList(L.GetField(tbl, "walk"))
	if err != nil {
		L.ArgError(1, "walk: "+err.Error())
		return 0
	}
	imports, err := stringList(L.GetField(tbl, "import"))
	if err != nil {
		L.ArgError(1, "import: "+err.Error())
		return 0
	}
	m.walk = append(m.walk, walk...)
	m.imports = append(m.imports, imports...)
	return 0
}

// include implements plugin.include{name=..., endpoint=... | endpoints={...}, ...}
func (m *Module) include(L *lua.LState) int {
	tbl := L.CheckTable(1)

	ids, err := stringList(L.GetField(tbl, "endpoints"))
	if err == nil {
		var single []string
		single, err = stringList(L.GetField(tbl, "endpoint"))
		ids = append(ids, single...)
	}
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	endpoints := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		parsed, err := uuid.Parse(id)
		if err != nil {
			L.ArgError(1, fmt.Sprintf("invalid endpoint %q", id))
			return 0
		}
		endpoints = append(endpoints, parsed)
	}

	ext := newExtension(m, tbl)
	if m.current != nil {
		ext.Package = m.current.Package()
		m.current.Include(ext, endpoints...)
	} else {
		m.includes = append(m.includes, plugin.Include(ext, endpoints...))
	}
	return 0
}

// log implements plugin.log(message)
func (m *Module) log(L *lua.LState) int {
	m.logger.Info(L.CheckString(1))
	return 0
}
