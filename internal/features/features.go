// Package features tracks optional capabilities of the host, such as an
// external tool being installed, whose availability is checked once.
package features

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Feature is an optional capability with an availability check
type Feature struct {
	Name        string
	Description string
	Check       func() bool
}

// Features caches the availability of registered features. It lives in the
// app scope.
type Features struct {
	mu        sync.RWMutex
	features  map[string]Feature
	available map[string]bool
	logger    *zap.Logger
}

// New creates an empty feature registry
func New(logger *zap.Logger) *Features {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Features{
		features:  make(map[string]Feature),
		available: make(map[string]bool),
		logger:    logger.Named("features"),
	}
}

// Register runs f's check and caches the result. Registering a name that is
// already known is ignored.
func (fs *Features) Register(f Feature) {
	fs.mu.RLock()
	_, known := fs.features[f.Name]
	fs.mu.RUnlock()
	if known {
		return
	}

	ok := f.Check != nil && f.Check()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, known := fs.features[f.Name]; known {
		return
	}
	fs.features[f.Name] = f
	fs.available[f.Name] = ok
	fs.logger.Debug("feature registered", zap.String("feature", f.Name), zap.Bool("available", ok))
}

// Available reports whether f is available, registering it first when needed
func (fs *Features) Available(f Feature) bool {
	fs.Register(f)

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.available[f.Name]
}

// List returns every registered feature sorted by name
func (fs *Features) List() []Feature {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]Feature, 0, len(fs.features))
	for _, f := range fs.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
