package extension

import (
	"reflect"

	"github.com/google/uuid"
)

// Predicate decides whether an endpoint accepts a candidate object
type Predicate func(obj any) bool

// Endpoint is a named extension point. It is immutable once built.
type Endpoint struct {
	ID          uuid.UUID
	Name        string
	Description string

	include  Predicate
	builtins func() []any
}

type endpointConfig struct {
	predicate      Predicate
	instanceOf     reflect.Type
	wrappedSubtype reflect.Type
	builtins       func() []any
}

// EndpointOption configures an endpoint built by NewEndpoint
type EndpointOption func(*endpointConfig)

// WithPredicate accepts objects for which fn returns true
func WithPredicate(fn Predicate) EndpointOption {
	return func(c *endpointConfig) {
		c.predicate = fn
	}
}

// WithInstanceOf accepts objects assignable to t
func WithInstanceOf(t reflect.Type) EndpointOption {
	return func(c *endpointConfig) {
		c.instanceOf = t
	}
}

// WithWrappedSubtypeOf accepts *Wrapped objects whose type is t or implements t
func WithWrappedSubtypeOf(t reflect.Type) EndpointOption {
	return func(c *endpointConfig) {
		c.wrappedSubtype = t
	}
}

// WithBuiltins sets the provider of the endpoint's builtin extensions
func WithBuiltins(fn func() []any) EndpointOption {
	return func(c *endpointConfig) {
		c.builtins = fn
	}
}

// InstanceOf accepts objects assignable to T
func InstanceOf[T any]() EndpointOption {
	return WithInstanceOf(reflect.TypeFor[T]())
}

// WrappedSubtypeOf accepts types wrapped with Wrap that are T or implement T
func WrappedSubtypeOf[T any]() EndpointOption {
	return WithWrappedSubtypeOf(reflect.TypeFor[T]())
}

// NewEndpoint builds an endpoint. The first inclusion policy set wins, in the
// order predicate, instance-of, wrapped-subtype; with none set the endpoint
// accepts every object.
func NewEndpoint(name, description string, id uuid.UUID, opts ...EndpointOption) *Endpoint {
	cfg := &endpointConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	ep := &Endpoint{
		ID:          id,
		Name:        name,
		Description: description,
		builtins:    cfg.builtins,
	}

	switch {
	case cfg.predicate != nil:
		ep.include = cfg.predicate
	case cfg.instanceOf != nil:
		t := cfg.instanceOf
		ep.include = func(obj any) bool {
			return obj != nil && reflect.TypeOf(obj).AssignableTo(t)
		}
	case cfg.wrappedSubtype != nil:
		t := cfg.wrappedSubtype
		ep.include = func(obj any) bool {
			w, ok := obj.(*Wrapped)
			return ok && w.subtypeOf(t)
		}
	default:
		ep.include = func(any) bool { return true }
	}
	return ep
}

// Includes reports whether the endpoint accepts obj
func (e *Endpoint) Includes(obj any) bool {
	return e.include(obj)
}

// Builtins returns the endpoint's builtin extension objects
func (e *Endpoint) Builtins() []any {
	if e.builtins == nil {
		return nil
	}
	return e.builtins()
}

func (e *Endpoint) String() string {
	return e.Name + " (" + e.ID.String() + ")"
}
