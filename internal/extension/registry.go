package extension

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/event"
	"github.com/jrjohn/arcana-runtime/internal/injector"
	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

// Resolver constructs or looks up an instance of a type
type Resolver interface {
	Get(t reflect.Type) (any, error)
}

type pendingBuiltin struct {
	obj   any
	hints []uuid.UUID
}

// Option configures a Registry
type Option func(*Registry)

// WithStrict makes AddExtension fail with ErrUnmatchedExtension when no
// endpoint accepts an object, instead of logging a warning.
func WithStrict(strict bool) Option {
	return func(r *Registry) {
		r.strict = strict
	}
}

// Registry holds every endpoint and the extensions registered against them.
// Locks are never held while calling user code or dispatching events.
type Registry struct {
	bus      *event.Bus
	resolver Resolver
	logger   *zap.Logger
	strict   bool

	mu        sync.RWMutex
	endpoints map[uuid.UUID]*Storage
	order     []uuid.UUID

	builtins     []pendingBuiltin
	builtinsInit bool

	handles      []event.Handle
	teardownSeen map[any]struct{}
	teardowns    []injector.Teardowner
}

// NewRegistry creates an empty registry. resolver may be nil, in which case
// types cannot be registered as extensions.
func NewRegistry(bus *event.Bus, resolver Resolver, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		bus:          bus,
		resolver:     resolver,
		logger:       logger.Named("extensions"),
		endpoints:    make(map[uuid.UUID]*Storage),
		teardownSeen: make(map[any]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefineEndpoint adds ep to the registry. Builtin objects returned by the
// endpoint are deferred until InitBuiltins.
func (r *Registry) DefineEndpoint(ep *Endpoint) error {
	if ep == nil {
		return apperrors.ErrInvalidArgument.WithMessage("endpoint is nil")
	}
	builtins := ep.Builtins()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[ep.ID]; ok {
		return apperrors.ErrDuplicateEndpoint.WithMessagef("endpoint with id %s already exists", ep.ID)
	}
	if len(builtins) > 0 && r.builtinsInit {
		return apperrors.ErrAlreadyInitialized.WithMessagef(
			"cannot define endpoint %s with builtins after builtin extensions were initialized", ep.Name)
	}

	r.endpoints[ep.ID] = newStorage(ep)
	r.order = append(r.order, ep.ID)
	for _, obj := range builtins {
		r.builtins = append(r.builtins, pendingBuiltin{obj: obj, hints: []uuid.UUID{ep.ID}})
	}

	r.logger.Debug("endpoint defined",
		zap.String("name", ep.Name),
		zap.Stringer("endpoint", ep.ID),
		zap.Int("builtins", len(builtins)),
	)
	return nil
}

// AddBuiltinExtension defers obj until InitBuiltins attributes it to the
// builtin plugin.
func (r *Registry) AddBuiltinExtension(obj any, hints ...uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.builtinsInit {
		return apperrors.ErrAlreadyInitialized.WithMessage(
			"cannot add builtin extensions after builtin extensions were initialized")
	}
	r.builtins = append(r.builtins, pendingBuiltin{obj: obj, hints: hints})
	return nil
}

// Endpoint returns the storage of the endpoint with the given id
func (r *Registry) Endpoint(id uuid.UUID) (*Storage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.endpoints[id]
	if !ok {
		return nil, apperrors.ErrUnknownEndpoint.WithMessagef("no endpoint with id %s registered", id)
	}
	return s, nil
}

// Endpoints returns every endpoint in definition order
func (r *Registry) Endpoints() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Endpoint, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.endpoints[id].endpoint)
	}
	return out
}

// AddExtension registers obj, owned by owner, with every endpoint among hints
// and the endpoints obj declares through EndpointAffine that accepts it. A
// reflect.Type is resolved to an instance first.
func (r *Registry) AddExtension(owner Owner, obj any, hints ...uuid.UUID) error {
	return r.addExtension(owner, obj, hints, true)
}

func (r *Registry) addExtension(owner Owner, obj any, hints []uuid.UUID, fromPlugin bool) error {
	if obj == nil {
		return apperrors.ErrInvalidArgument.WithMessage("cannot register nil as an extension")
	}

	if t, ok := obj.(reflect.Type); ok {
		if r.resolver == nil {
			return apperrors.ErrInvalidArgument.WithMessagef("no resolver to construct %s", t)
		}
		resolved, err := r.resolver.Get(t)
		if err != nil {
			return err
		}
		obj = resolved
	}

	if td, ok := obj.(injector.Teardowner); ok {
		r.trackTeardown(td)
	}

	candidates := candidateEndpoints(obj, hints)
	storages := make([]*Storage, 0, len(candidates))
	r.mu.RLock()
	for _, id := range candidates {
		s, ok := r.endpoints[id]
		if !ok {
			r.mu.RUnlock()
			return apperrors.ErrUnknownEndpoint.WithMessagef("no endpoint with id %s registered", id)
		}
		storages = append(storages, s)
	}
	r.mu.RUnlock()

	matched := false
	for _, s := range storages {
		if !s.endpoint.Includes(obj) {
			continue
		}
		ext := &Extension{
			Endpoint:   s.endpoint,
			Object:     obj,
			Owner:      owner,
			FromPlugin: fromPlugin,
		}
		if err := s.add(ext); err != nil {
			return err
		}
		matched = true

		r.logger.Debug("extension registered",
			zap.String("extension", ext.Name()),
			zap.Stringer("endpoint", s.endpoint.ID),
			zap.Bool("from_plugin", fromPlugin),
		)
		if r.bus != nil {
			r.bus.Dispatch(event.ExtensionRegistered, s.endpoint.ID, ext)
		}
	}

	if !matched {
		if r.strict {
			return apperrors.ErrUnmatchedExtension.WithMessagef("no endpoint found for object %s", objectName(obj))
		}
		r.logger.Warn("no endpoint found for object", zap.String("object", objectName(obj)))
	}
	return nil
}

func (r *Registry) trackTeardown(td injector.Teardowner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := identityOf(td); ok {
		if _, seen := r.teardownSeen[id]; seen {
			r.logger.Warn("object with teardown registered as an extension multiple times",
				zap.String("object", objectName(td)))
			return
		}
		r.teardownSeen[id] = struct{}{}
	}
	r.teardowns = append(r.teardowns, td)
}

// candidateEndpoints returns hints followed by the object's declared
// endpoints, without repeats.
func candidateEndpoints(obj any, hints []uuid.UUID) []uuid.UUID {
	var declared []uuid.UUID
	if affine, ok := obj.(EndpointAffine); ok {
		declared = affine.Endpoints()
	}

	seen := make(map[uuid.UUID]bool, len(hints)+len(declared))
	out := make([]uuid.UUID, 0, len(hints)+len(declared))
	for _, ids := range [][]uuid.UUID{hints, declared} {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// InitBuiltins registers every deferred builtin extension, attributed to
// owner and marked as not coming from a plugin. It runs once; later calls
// fail with ErrAlreadyInitialized.
func (r *Registry) InitBuiltins(owner Owner) error {
	r.mu.Lock()
	if r.builtinsInit {
		r.mu.Unlock()
		return apperrors.ErrAlreadyInitialized.WithMessage("builtin extensions have already been initialized")
	}
	r.builtinsInit = true
	pending := r.builtins
	r.builtins = nil
	r.mu.Unlock()

	for _, b := range pending {
		if err := r.addExtension(owner, b.obj, b.hints, false); err != nil {
			return fmt.Errorf("builtin extension %s: %w", objectName(b.obj), err)
		}
	}
	r.logger.Info("builtin extensions initialized", zap.Int("count", len(pending)))
	return nil
}

// Teardown removes every listener installed by Subscribe, then tears down
// registered objects implementing Teardown in reverse registration order.
// Failures are logged and do not stop the remaining teardowns.
func (r *Registry) Teardown() {
	r.mu.Lock()
	handles := r.handles
	teardowns := r.teardowns
	r.handles = nil
	r.teardowns = nil
	r.teardownSeen = make(map[any]struct{})
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.UnbindListener(handles)
	}

	for i := len(teardowns) - 1; i >= 0; i-- {
		if err := teardownSafely(teardowns[i]); err != nil {
			r.logger.Error("teardown of extension object failed",
				zap.String("object", objectName(teardowns[i])),
				zap.Error(err),
			)
		}
	}
}

func teardownSafely(td injector.Teardowner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return td.Teardown()
}
