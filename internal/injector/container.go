// Package injector layers lifetime scopes over a dig container.
//
// Three container kinds exist: the app container (one per host process), the
// process worker container (one per worker process) and job containers, which
// are dig child scopes of the app container. Values provided to a job
// container are constructed and cached inside the job only; values provided to
// the app container are shared by every job.
package injector

import (
	"reflect"

	"go.uber.org/dig"
	"go.uber.org/zap"

	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

// digScope is the subset shared by *dig.Container and *dig.Scope
type digScope interface {
	Provide(constructor any, opts ...dig.ProvideOption) error
	Invoke(function any, opts ...dig.InvokeOption) error
}

// Option configures a root container
type Option func(*options)

type options struct {
	digOptions []dig.Option
}

// WithDigOptions passes options through to dig.New
func WithDigOptions(opts ...dig.Option) Option {
	return func(o *options) {
		o.digOptions = append(o.digOptions, opts...)
	}
}

// Container resolves dependencies for one lifetime scope.
type Container struct {
	kind   Kind
	di     digScope
	root   *dig.Container
	child  *dig.Scope
	parent *Container
	scope  *Scope
	logger *zap.Logger
}

// NewAppContainer builds the host process container
func NewAppContainer(logger *zap.Logger, opts ...Option) (*Container, error) {
	return newRoot(AppScope, logger, opts...)
}

// NewProcessWorkerContainer builds a worker process container
func NewProcessWorkerContainer(logger *zap.Logger, opts ...Option) (*Container, error) {
	return newRoot(ProcessWorkerScope, logger, opts...)
}

func newRoot(kind Kind, logger *zap.Logger, opts ...Option) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	root := dig.New(o.digOptions...)
	c := &Container{
		kind:   kind,
		di:     root,
		root:   root,
		logger: logger.Named("injector"),
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewJobContainer builds a job container as a child of parent. Each binding
// is either a constructor, provided into the job scope, or a value, supplied
// into the job scope.
func NewJobContainer(parent *Container, bindings ...any) (*Container, error) {
	if parent == nil {
		return nil, apperrors.ErrInvalidArgument.WithMessage("job container requires a parent")
	}
	if parent.kind == JobScope {
		return nil, apperrors.ErrWrongContainer.WithMessage("job containers cannot be nested")
	}

	var child *dig.Scope
	if parent.child != nil {
		child = parent.child.Scope(JobScope.String())
	} else {
		child = parent.root.Scope(JobScope.String())
	}

	c := &Container{
		kind:   JobScope,
		di:     child,
		child:  child,
		parent: parent,
		logger: parent.logger,
	}
	if err := c.init(); err != nil {
		return nil, err
	}

	for _, b := range bindings {
		var err error
		if b != nil && reflect.TypeOf(b).Kind() == reflect.Func {
			err = c.Provide(b)
		} else {
			err = c.Supply(b)
		}
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Container) init() error {
	scope, err := NewScope(c.kind, c)
	if err != nil {
		return err
	}
	c.scope = scope

	// The container itself is not a singleton of its scope: it is never torn down.
	return c.di.Provide(func() *Container { return c })
}

// Kind returns the kind marker the container was built with
func (c *Container) Kind() Kind {
	return c.kind
}

// Scope returns the container's own lifetime scope
func (c *Container) Scope() *Scope {
	return c.scope
}

// Parent returns the app container of a job container, nil otherwise
func (c *Container) Parent() *Container {
	return c.parent
}

// Provide registers ctor in the container's scope
func (c *Container) Provide(ctor any, opts ...dig.ProvideOption) error {
	return c.scope.Provide(c, ctor, opts...)
}

// Supply registers an existing value in the container's scope
func (c *Container) Supply(value any) error {
	return c.scope.Supply(c, value)
}

// Invoke runs fn with its parameters resolved from the container. Errors
// from dig are returned unmodified.
func (c *Container) Invoke(fn any, opts ...dig.InvokeOption) error {
	return c.di.Invoke(fn, opts...)
}

// Call runs fn like Invoke and returns its first non-error result. The result
// is not cached and is not recorded in any scope.
func (c *Container) Call(fn any) (any, error) {
	fv := reflect.ValueOf(fn)
	if !fv.IsValid() || fv.Kind() != reflect.Func {
		return nil, apperrors.ErrInvalidArgument.WithMessagef("cannot call %T", fn)
	}

	ft := fv.Type()
	ins := make([]reflect.Type, ft.NumIn())
	for i := range ins {
		ins[i] = ft.In(i)
	}
	var outs []reflect.Type
	if n := ft.NumOut(); n > 0 && ft.Out(n-1) == errorType {
		outs = []reflect.Type{errorType}
	}

	call := fv.Call
	if ft.IsVariadic() {
		call = fv.CallSlice
	}

	var result any
	invoker := reflect.MakeFunc(reflect.FuncOf(ins, outs, ft.IsVariadic()), func(args []reflect.Value) []reflect.Value {
		out := call(args)
		for _, v := range out {
			if v.Type() == errorType {
				continue
			}
			result = v.Interface()
			break
		}
		if len(outs) == 0 {
			return nil
		}
		return out[len(out)-1:]
	})

	if err := c.di.Invoke(invoker.Interface()); err != nil {
		return nil, err
	}
	return result, nil
}

// Get resolves or constructs an instance of t
func (c *Container) Get(t reflect.Type) (any, error) {
	if t == nil {
		return nil, apperrors.ErrInvalidArgument.WithMessage("cannot resolve a nil type")
	}

	var result any
	getter := reflect.MakeFunc(reflect.FuncOf([]reflect.Type{t}, nil, false), func(args []reflect.Value) []reflect.Value {
		result = args[0].Interface()
		return nil
	})
	if err := c.di.Invoke(getter.Interface()); err != nil {
		return nil, err
	}
	return result, nil
}

// Resolve resolves or constructs an instance of T through c
func Resolve[T any](c *Container) (T, error) {
	var result T
	err := c.di.Invoke(func(v T) {
		result = v
	})
	return result, err
}

// Teardown tears down the container's own scope. A job container leaves its
// parent untouched.
func (c *Container) Teardown() {
	c.scope.Teardown()
}
