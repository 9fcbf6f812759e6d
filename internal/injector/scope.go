package injector

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/dig"
	"go.uber.org/zap"

	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

// Kind identifies a lifetime scope
type Kind int

const (
	// AppScope holds singletons living as long as the host process
	AppScope Kind = iota + 1
	// JobScope holds singletons tied to one job run
	JobScope
	// ProcessWorkerScope holds singletons living in a worker process
	ProcessWorkerScope
)

func (k Kind) String() string {
	switch k {
	case AppScope:
		return "app"
	case JobScope:
		return "job"
	case ProcessWorkerScope:
		return "process_worker"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Teardowner is implemented by objects that release resources when their
// scope ends.
type Teardowner interface {
	Teardown() error
}

var (
	errorType = reflect.TypeOf((*error)(nil)).Elem()
	outType   = reflect.TypeOf(dig.Out{})
)

type singleton struct {
	typ      reflect.Type
	instance any
}

// Scope records singletons created through one container, in creation
// order, and tears them down in reverse.
type Scope struct {
	kind      Kind
	container *Container

	mu      sync.Mutex
	context []singleton

	logger *zap.Logger
}

// NewScope creates a scope of the given kind for c. It fails with
// ErrWrongContainer when c was not built for that kind.
func NewScope(kind Kind, c *Container) (*Scope, error) {
	if c == nil {
		return nil, apperrors.ErrInvalidArgument.WithMessage("scope requires a container")
	}
	if c.kind != kind {
		return nil, apperrors.ErrWrongContainer.WithMessagef(
			"%s scope given a %s container", kind, c.kind)
	}
	return &Scope{
		kind:      kind,
		container: c,
		logger:    c.logger.With(zap.Stringer("scope", kind)),
	}, nil
}

// Kind returns the scope's kind
func (s *Scope) Kind() Kind {
	return s.kind
}

// Provide registers ctor with c. Every value the constructor produces is
// recorded in the scope when it is created.
func (s *Scope) Provide(c *Container, ctor any, opts ...dig.ProvideOption) error {
	if err := s.checkContainer(c); err != nil {
		return err
	}

	fv := reflect.ValueOf(ctor)
	if !fv.IsValid() || fv.Kind() != reflect.Func {
		return apperrors.ErrInvalidArgument.WithMessagef("constructor must be a function, got %T", ctor)
	}

	opts = append([]dig.ProvideOption{dig.LocationForPC(fv.Pointer())}, opts...)
	return c.di.Provide(s.recording(fv), opts...)
}

// Supply registers value with c as an instance binding. It is recorded in
// the scope the first time it is resolved.
func (s *Scope) Supply(c *Container, value any) error {
	if err := s.checkContainer(c); err != nil {
		return err
	}
	if value == nil {
		return apperrors.ErrInvalidArgument.WithMessage("cannot supply nil")
	}

	v := reflect.ValueOf(value)
	ft := reflect.FuncOf(nil, []reflect.Type{v.Type()}, false)
	fn := reflect.MakeFunc(ft, func([]reflect.Value) []reflect.Value {
		return []reflect.Value{v}
	})
	return c.di.Provide(s.recording(fn))
}

// Len returns the number of recorded singletons
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.context)
}

// Instances returns the recorded singletons in creation order
func (s *Scope) Instances() []any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]any, len(s.context))
	for i, st := range s.context {
		out[i] = st.instance
	}
	return out
}

// Teardown tears down recorded singletons in reverse creation order. Errors
// and panics from individual instances are logged and do not stop the loop.
// The scope is empty afterwards; calling Teardown again does nothing.
func (s *Scope) Teardown() {
	s.mu.Lock()
	context := s.context
	s.context = nil
	s.mu.Unlock()

	for i := len(context) - 1; i >= 0; i-- {
		st := context[i]
		td, ok := st.instance.(Teardowner)
		if !ok {
			continue
		}
		s.logger.Debug("tearing down", zap.Stringer("type", st.typ))
		if err := teardownSafely(td); err != nil {
			s.logger.Error("teardown failed",
				zap.Stringer("type", st.typ),
				zap.Error(err),
			)
		}
	}
}

func (s *Scope) checkContainer(c *Container) error {
	if c != s.container {
		return apperrors.ErrWrongContainer.WithMessagef(
			"%s scope used with a container it was not created for", s.kind)
	}
	return nil
}

// recording wraps fn in a function of the same type that records its
// results in the scope.
func (s *Scope) recording(fn reflect.Value) any {
	ft := fn.Type()
	call := fn.Call
	if ft.IsVariadic() {
		call = fn.CallSlice
	}

	return reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		out := call(args)
		if n := len(out); n > 0 && ft.Out(n-1) == errorType && !out[n-1].IsNil() {
			return out
		}
		for _, v := range out {
			s.record(v)
		}
		return out
	}).Interface()
}

func (s *Scope) record(v reflect.Value) {
	t := v.Type()
	if t == errorType {
		return
	}

	if t.Kind() == reflect.Struct && dig.IsOut(t) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Type == outType {
				continue
			}
			s.record(v.Field(i))
		}
		return
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return
		}
	}

	s.mu.Lock()
	s.context = append(s.context, singleton{typ: t, instance: v.Interface()})
	s.mu.Unlock()
}

func (s *Scope) snapshot() []singleton {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]singleton(nil), s.context...)
}

func teardownSafely(td Teardowner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return td.Teardown()
}
