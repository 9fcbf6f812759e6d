package pack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"ocm.software/open-component-model/bindings/go/dag"

	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

// Catalog discovers packs in a packs directory
type Catalog struct {
	store  *Store
	logger *zap.Logger
}

// NewCatalog creates a Catalog. store may be nil, in which case discovered
// packs are not persisted.
func NewCatalog(store *Store, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{store: store, logger: logger.Named("catalog")}
}

// Discover loads every <dir>/<pack>/pack.yaml, syncs each pack with the
// store and returns the packs ordered by name. Directories without metadata
// are ignored; invalid metadata is logged and skipped.
func (c *Catalog) Discover(ctx context.Context, dir string) ([]*Pack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Debug("packs directory does not exist", zap.String("dir", dir))
			return nil, nil
		}
		return nil, err
	}

	var packs []*Pack
	seen := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		root := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(root, MetadataFile)); err != nil {
			continue
		}

		p, err := Load(root)
		if err != nil {
			c.logger.Warn("skipping pack with invalid metadata", zap.String("path", root), zap.Error(err))
			continue
		}
		if other, dup := seen[p.UUID().String()]; dup {
			c.logger.Warn("skipping pack with duplicate uuid",
				zap.String("path", root),
				zap.String("other", other),
			)
			continue
		}
		seen[p.UUID().String()] = root

		if c.store != nil {
			if _, err := c.store.Sync(ctx, p); err != nil {
				return nil, fmt.Errorf("sync pack %s: %w", p.Name(), err)
			}
		}
		packs = append(packs, p)
	}

	sort.SliceStable(packs, func(i, j int) bool {
		return packs[i].Name() < packs[j].Name()
	})
	c.logger.Info("packs discovered", zap.String("dir", dir), zap.Int("count", len(packs)))
	return packs, nil
}

// DependencyOrder returns packs ordered so that every pack follows the packs
// it depends on. Packs without a dependency relation keep name order.
// Dependencies on packs not in the list are logged and ignored.
func DependencyOrder(packs []*Pack, logger *zap.Logger) ([]*Pack, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	graph := dag.NewDirectedAcyclicGraph[string]()
	byKey := make(map[string]*Pack, len(packs))
	keyByUUID := make(map[string]string, len(packs))
	for _, p := range packs {
		key := p.Name() + "|" + p.UUID().String()
		if err := graph.AddVertex(key); err != nil {
			return nil, apperrors.ErrInvalidPack.WithMessagef("pack %s listed twice", p)
		}
		byKey[key] = p
		keyByUUID[p.UUID().String()] = key
	}

	for _, p := range packs {
		if p.Metadata == nil {
			continue
		}
		from := keyByUUID[p.UUID().String()]
		for _, dep := range p.Metadata.Dependencies {
			to, ok := keyByUUID[dep.UUID.String()]
			if !ok {
				logger.Warn("pack depends on a missing pack",
					zap.String("pack", p.Name()),
					zap.Stringer("dependency", dep.UUID),
				)
				continue
			}
			if v := byKey[to].Metadata.Version; v < dep.MinimumVersion {
				logger.Warn("pack dependency is older than required",
					zap.String("pack", p.Name()),
					zap.String("dependency", byKey[to].Name()),
					zap.Int("version", v),
					zap.Int("minimum_version", dep.MinimumVersion),
				)
			}
			if err := graph.AddEdge(from, to); err != nil {
				return nil, apperrors.ErrInvalidPack.WithMessagef("pack %s: %v", p, err)
			}
		}
	}

	keys, err := graph.TopologicalSort()
	if err != nil {
		return nil, apperrors.ErrInvalidPack.WithError(err)
	}

	ordered := make([]*Pack, 0, len(keys))
	for _, key := range keys {
		ordered = append(ordered, byKey[key])
	}
	return ordered, nil
}
