package extension

import (
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/event"
	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

type subscribeConfig struct {
	skipExisting bool
}

// SubscribeOption configures a subscription
type SubscribeOption func(*subscribeConfig)

// SkipExisting subscribes to future registrations only. The subscription
// fails with ErrExistingExtensions if the endpoint already has extensions.
func SkipExisting() SubscribeOption {
	return func(c *subscribeConfig) {
		c.skipExisting = true
	}
}

// Subscribe calls fn with every object registered on the endpoint: first the
// existing ones, in registration order, before Subscribe returns, then each
// future registration as it happens.
func (r *Registry) Subscribe(id uuid.UUID, fn func(obj any), opts ...SubscribeOption) (event.Handle, error) {
	if fn == nil {
		return event.Handle{}, apperrors.ErrInvalidArgument.WithMessage("subscriber is nil")
	}
	return r.SubscribeExtensions(id, func(x *Extension) { fn(x.Object) }, opts...)
}

// SubscribeExtensions is like Subscribe but passes the full Extension record
func (r *Registry) SubscribeExtensions(id uuid.UUID, fn func(*Extension), opts ...SubscribeOption) (event.Handle, error) {
	if fn == nil {
		return event.Handle{}, apperrors.ErrInvalidArgument.WithMessage("subscriber is nil")
	}
	if r.bus == nil {
		return event.Handle{}, apperrors.ErrInvalidArgument.WithMessage("registry has no event bus")
	}

	cfg := &subscribeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	storage, err := r.Endpoint(id)
	if err != nil {
		return event.Handle{}, err
	}

	if existing := storage.Extensions(); len(existing) > 0 {
		if cfg.skipExisting {
			return event.Handle{}, apperrors.ErrExistingExtensions.WithMessagef(
				"endpoint %s already has %d extensions registered", id, len(existing))
		}
		for _, ext := range existing {
			fn(ext)
		}
	}

	h := r.bus.AppendListener(event.ExtensionRegistered, func(args ...any) {
		if len(args) < 2 {
			return
		}
		if endpoint, ok := args[0].(uuid.UUID); !ok || endpoint != id {
			return
		}
		if ext, ok := args[1].(*Extension); ok {
			fn(ext)
		}
	})

	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()

	r.logger.Debug("subscribed", zap.Stringer("endpoint", id))
	return h, nil
}

// SubscribeType subscribes to the default endpoint of t, which is the first
// endpoint t declares through EndpointAffine.
func (r *Registry) SubscribeType(t reflect.Type, fn func(obj any), opts ...SubscribeOption) (event.Handle, error) {
	id, err := DefaultEndpoint(t)
	if err != nil {
		return event.Handle{}, err
	}
	return r.Subscribe(id, fn, opts...)
}

// SubscribeTo subscribes fn to the default endpoint of T. Objects on that
// endpoint that are not a T are skipped.
func SubscribeTo[T any](r *Registry, fn func(T), opts ...SubscribeOption) (event.Handle, error) {
	if fn == nil {
		return event.Handle{}, apperrors.ErrInvalidArgument.WithMessage("subscriber is nil")
	}
	return r.SubscribeType(reflect.TypeFor[T](), func(obj any) {
		if v, ok := obj.(T); ok {
			fn(v)
		}
	}, opts...)
}

// Unsubscribe removes a subscription. It reports whether one was removed.
func (r *Registry) Unsubscribe(h event.Handle) bool {
	r.mu.Lock()
	for i, existing := range r.handles {
		if existing == h {
			r.handles = append(r.handles[:i:i], r.handles[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if r.bus == nil {
		return false
	}
	return r.bus.RemoveListener(h)
}

// DefaultEndpoint returns the first endpoint declared by t
func DefaultEndpoint(t reflect.Type) (uuid.UUID, error) {
	if t == nil {
		return uuid.Nil, apperrors.ErrInvalidArgument.WithMessage("type is nil")
	}
	ids := typeEndpoints(t)
	if len(ids) == 0 {
		return uuid.Nil, apperrors.ErrNoDefaultEndpoint.WithMessagef("%s declares no endpoint", t)
	}
	return ids[0], nil
}
