package lua

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ErrStateClosed is returned when calling into a torn down plugin
var ErrStateClosed = errors.New("lua state is closed")

// Extension is an object a script registered with plugin.include. Plain
// fields are converted to Go values; function fields can be invoked with
// Call.
type Extension struct {
	Package string
	Fields  map[string]any

	name   string
	funcs  map[string]*lua.LFunction
	module *Module
}

func newExtension(m *Module, tbl *lua.LTable) *Extension {
	ext := &Extension{
		Fields: make(map[string]any),
		funcs:  make(map[string]*lua.LFunction),
		module: m,
	}
	tbl.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			return
		}
		switch string(key) {
		case "endpoint", "endpoints":
			return
		case "name":
			ext.name = lua.LVAsString(v)
			return
		}
		if fn, ok := v.(*lua.LFunction); ok {
			ext.funcs[string(key)] = fn
			return
		}
		ext.Fields[string(key)] = toGo(v)
	})
	return ext
}

// Name returns the name the script gave the extension
func (e *Extension) Name() string {
	if e.name != "" {
		return e.name
	}
	return "lua extension"
}

// Module returns the qualified name of the module that registered e
func (e *Extension) Module() string {
	return e.module.Name()
}

// StringField returns the field as a string, "" when it is missing
func (e *Extension) StringField(field string) string {
	if s, ok := e.Fields[field].(string); ok {
		return s
	}
	return ""
}

// HasFunc reports whether the script defined a function field named fn
func (e *Extension) HasFunc(fn string) bool {
	_, ok := e.funcs[fn]
	return ok
}

// Call invokes the function field fn with args, passing the extension's
// table fields as self, and returns its first result
func (e *Extension) Call(fn string, args ...any) (any, error) {
	f, ok := e.funcs[fn]
	if !ok {
		return nil, fmt.Errorf("extension %s has no function %s", e.Name(), fn)
	}

	m := e.module
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrStateClosed
	}
	L := m.state

	params := make([]lua.LValue, 0, len(args)+1)
	params = append(params, toLua(L, e.Fields))
	for _, arg := range args {
		params = append(params, toLua(L, arg))
	}
	if err := L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, params...); err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", e.Name(), fn, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return toGo(ret), nil
}
