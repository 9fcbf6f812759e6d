// Package extension implements the endpoint and extension registry.
//
// An Endpoint is an extension point with an inclusion policy. Objects are
// registered against endpoints through Registry.AddExtension, either by
// naming endpoints explicitly or by implementing EndpointAffine. Accepted
// objects are stored per endpoint in registration order and announced on the
// event bus as EXTENSION_REGISTERED, which is what Subscribe listens to.
package extension

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/jrjohn/arcana-runtime/internal/injector"
)

// Owner is the plugin an extension is attributed to
type Owner interface {
	PackUUID() uuid.UUID
	PackName() string
}

// EndpointAffine is implemented by objects that declare the endpoints they
// belong to. For types registered through Wrap the method is called on the
// zero value, so it must not depend on receiver state.
type EndpointAffine interface {
	Endpoints() []uuid.UUID
}

// Named is implemented by objects with a display name
type Named interface {
	Name() string
}

// Extension records that an endpoint accepted an object
type Extension struct {
	Endpoint *Endpoint
	Object   any
	Owner    Owner

	// FromPlugin is false for builtin extensions
	FromPlugin bool
}

// Name returns the extension's display name
func (x *Extension) Name() string {
	return objectName(x.Object)
}

// Wrapped registers a type, rather than an instance, as an extension object
type Wrapped struct {
	Type reflect.Type
}

// Wrap returns a Wrapped for T
func Wrap[T any]() *Wrapped {
	return &Wrapped{Type: reflect.TypeFor[T]()}
}

// WrapType returns a Wrapped for t
func WrapType(t reflect.Type) *Wrapped {
	return &Wrapped{Type: t}
}

// Name returns the wrapped type's name
func (w *Wrapped) Name() string {
	return injector.TypeName(w.Type)
}

// Endpoints returns the endpoints declared by the wrapped type
func (w *Wrapped) Endpoints() []uuid.UUID {
	return typeEndpoints(w.Type)
}

func (w *Wrapped) String() string {
	return "Wrapped(" + w.Name() + ")"
}

func (w *Wrapped) subtypeOf(t reflect.Type) bool {
	if w.Type == nil {
		return false
	}
	if w.Type.AssignableTo(t) {
		return true
	}
	return t.Kind() == reflect.Interface && w.Type.Kind() != reflect.Pointer &&
		reflect.PointerTo(w.Type).Implements(t)
}

// typeEndpoints reads endpoint affinity declared at type level
func typeEndpoints(t reflect.Type) []uuid.UUID {
	if t == nil {
		return nil
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() == reflect.Interface {
		return nil
	}

	zero := reflect.New(t)
	if affine, ok := zero.Interface().(EndpointAffine); ok {
		return affine.Endpoints()
	}
	return nil
}

func objectName(obj any) string {
	switch o := obj.(type) {
	case nil:
		return "<nil>"
	case Named:
		return o.Name()
	}

	v := reflect.ValueOf(obj)
	if v.Kind() == reflect.Func && !v.IsNil() {
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			name := fn.Name()
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
			if i := strings.Index(name, "."); i >= 0 {
				name = name[i+1:]
			}
			return name
		}
	}
	return injector.TypeName(v.Type())
}

type addressKey struct {
	typ reflect.Type
	ptr uintptr
}

type wrappedKey struct {
	typ reflect.Type
}

// identityOf returns a comparable key identifying obj. Wrapped types are
// identified by the wrapped type, reference values by address, other
// comparable values by value. Values with none of these have no identity.
func identityOf(obj any) (any, bool) {
	if w, ok := obj.(*Wrapped); ok {
		return wrappedKey{typ: w.Type}, true
	}

	v := reflect.ValueOf(obj)
	if !v.IsValid() {
		return nil, false
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return addressKey{typ: v.Type(), ptr: v.Pointer()}, true
	}
	if v.Comparable() {
		return obj, true
	}
	return nil, false
}
