package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
	"sync"
)

// ModuleRef names a module being opened
type ModuleRef struct {
	Namespace string
	Name      string
}

// Qualified returns "<namespace>.<name>"
func (r ModuleRef) Qualified() string {
	if r.Namespace == "" {
		return r.Name
	}
	return r.Namespace + "." + r.Name
}

// Opener loads a plugin module from its entry file
type Opener interface {
	// EntryFile is the file name, relative to the pack root, that marks a
	// module this opener can load
	EntryFile() string
	Open(ref ModuleRef, entryPath string) (*Definition, error)
}

// GoOpener loads modules built with -buildmode=plugin. The shared object
// must export a Module symbol holding a *Definition, a Definition, or a
// func() *Definition.
type GoOpener struct{}

// EntryFile implements Opener
func (GoOpener) EntryFile() string {
	return "plugin.so"
}

// Open implements Opener
func (GoOpener) Open(ref ModuleRef, entryPath string) (*Definition, error) {
	so, err := goplugin.Open(entryPath)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Module")
	if err != nil {
		return nil, err
	}
	switch m := symbol.(type) {
	case **Definition:
		if m == nil || *m == nil {
			return nil, errors.New("module symbol is nil")
		}
		return *m, nil
	case *Definition:
		return m, nil
	case *func() *Definition:
		if m == nil || *m == nil {
			return nil, errors.New("module symbol is nil")
		}
		return (*m)(), nil
	case func() *Definition:
		return m(), nil
	default:
		return nil, fmt.Errorf("module symbol of %s has unsupported type %T", ref.Qualified(), symbol)
	}
}

// StaticOpener opens modules compiled into the host binary. A pack selects
// one by its module name and marks itself with a plugin.yaml entry file.
type StaticOpener struct {
	mu      sync.RWMutex
	modules map[string]func() *Definition
}

// NewStaticOpener creates an opener with no modules registered
func NewStaticOpener() *StaticOpener {
	return &StaticOpener{modules: make(map[string]func() *Definition)}
}

var defaultStatic = NewStaticOpener()

// DefaultStaticOpener returns the opener that Register adds modules to
func DefaultStaticOpener() *StaticOpener {
	return defaultStatic
}

// Register adds a compiled-in module to the default static opener. It is
// meant to be called from init functions.
func Register(moduleName string, fn func() *Definition) {
	defaultStatic.Register(moduleName, fn)
}

// Register adds a module under moduleName, replacing any previous one
func (o *StaticOpener) Register(moduleName string, fn func() *Definition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modules[moduleName] = fn
}

// EntryFile implements Opener
func (o *StaticOpener) EntryFile() string {
	return "plugin.yaml"
}

// Open implements Opener
func (o *StaticOpener) Open(ref ModuleRef, _ string) (*Definition, error) {
	o.mu.RLock()
	fn, ok := o.modules[ref.Name]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no compiled-in module named %s", ref.Name)
	}
	return fn(), nil
}
