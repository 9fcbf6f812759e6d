package extension

import (
	"sync"

	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

// Storage holds the extensions accepted by one endpoint, in registration
// order.
type Storage struct {
	endpoint *Endpoint

	mu         sync.RWMutex
	extensions []*Extension
	objects    []any
	byName     map[string]any
	seen       map[any]struct{}
}

func newStorage(ep *Endpoint) *Storage {
	return &Storage{
		endpoint: ep,
		byName:   make(map[string]any),
		seen:     make(map[any]struct{}),
	}
}

// Endpoint returns the endpoint the storage belongs to
func (s *Storage) Endpoint() *Endpoint {
	return s.endpoint
}

// Len returns the number of registered extensions
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.extensions)
}

// Extensions returns a copy of the registered extensions
func (s *Storage) Extensions() []*Extension {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Extension(nil), s.extensions...)
}

// Objects returns a copy of the registered objects
func (s *Storage) Objects() []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]any(nil), s.objects...)
}

// ObjectsByName returns the registered objects keyed by display name. A
// later registration with the same name replaces an earlier one.
func (s *Storage) ObjectsByName() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.byName))
	for k, v := range s.byName {
		out[k] = v
	}
	return out
}

func (s *Storage) add(ext *Extension) error {
	name := ext.Name()
	id, tracked := identityOf(ext.Object)

	s.mu.Lock()
	defer s.mu.Unlock()

	if tracked {
		if _, dup := s.seen[id]; dup {
			return apperrors.ErrDuplicateExtension.WithMessagef(
				"extension %s already exists for endpoint %s", name, s.endpoint.ID)
		}
		s.seen[id] = struct{}{}
	}

	s.extensions = append(s.extensions, ext)
	s.objects = append(s.objects, ext.Object)
	s.byName[name] = ext.Object
	return nil
}
