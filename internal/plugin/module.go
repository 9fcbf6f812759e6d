package plugin

import (
	"sort"
	"sync"
)

// ModuleState is the import state of a module table entry
type ModuleState string

const (
	ModuleImporting ModuleState = "IMPORTING"
	ModuleImported  ModuleState = "IMPORTED"
	ModuleFailed    ModuleState = "FAILED"
)

// Module is a module table entry. It is bound before the module's code runs,
// so a failed import leaves the entry behind in state ModuleFailed.
type Module struct {
	Name string
	Path string

	mu          sync.RWMutex
	state       ModuleState
	def         *Definition
	initialized map[string]bool
	err         error
}

// State returns the entry's import state
func (m *Module) State() ModuleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Type returns the plugin type the module exposes, nil when it exposes none
func (m *Module) Type() *Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.def == nil {
		return nil
	}
	return m.def.Type
}

// Err returns the error that failed the import
func (m *Module) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Module) setDefinition(def *Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.def = def
}

func (m *Module) markImported() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = ModuleImported
}

func (m *Module) markFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = ModuleFailed
	m.err = err
}

// markInitialized records pkg as initialised and reports whether it was new
func (m *Module) markInitialized(pkg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized[pkg] {
		return false
	}
	m.initialized[pkg] = true
	return true
}

// ModuleTable maps qualified module names to their entries
type ModuleTable struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewModuleTable creates an empty table
func NewModuleTable() *ModuleTable {
	return &ModuleTable{modules: make(map[string]*Module)}
}

// Lookup returns the entry bound to name
func (t *ModuleTable) Lookup(name string) (*Module, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.modules[name]
	return m, ok
}

// Names returns every bound name in sorted order
func (t *ModuleTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.modules))
	for name := range t.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove unbinds name so the module can be imported again
func (t *ModuleTable) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.modules[name]; !ok {
		return false
	}
	delete(t.modules, name)
	return true
}

// bind creates an entry in state ModuleImporting, replacing any previous one
func (t *ModuleTable) bind(name, path string) *Module {
	m := &Module{
		Name:        name,
		Path:        path,
		state:       ModuleImporting,
		initialized: make(map[string]bool),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules[name] = m
	return m
}
