package pack

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store persists pack records
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a Store on db
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("packs")}
}

// Migrate creates or updates the packs table
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Record{})
}

// FindByUUID returns the record of the pack, or nil if none exists
func (s *Store) FindByUUID(ctx context.Context, id uuid.UUID) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where(map[string]any{"uuid": id.String()}).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns every record ordered by name
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	var records []*Record
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Sync creates or updates the record for p and attaches it. A version
// change marks the pack's objects as not installed.
func (s *Store) Sync(ctx context.Context, p *Pack) (*Record, error) {
	md := p.Metadata
	rec, err := s.FindByUUID(ctx, md.UUID)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		rec = &Record{
			UUID:    md.UUID.String(),
			Version: md.Version,
			Name:    md.Name,
			Path:    p.Path,
		}
		if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
			return nil, err
		}
		s.logger.Info("pack registered",
			zap.String("pack", md.Name),
			zap.Int("version", md.Version),
		)
		p.Record = rec
		return rec, nil
	}

	updates := map[string]any{
		"name": md.Name,
		"path": p.Path,
	}
	if rec.Version != md.Version {
		s.logger.Info("pack version changed",
			zap.String("pack", md.Name),
			zap.Int("from", rec.Version),
			zap.Int("to", md.Version),
		)
		updates["version"] = md.Version
		updates["objects_installed"] = false
	}
	if err := s.db.WithContext(ctx).Model(rec).Updates(updates).Error; err != nil {
		return nil, err
	}
	rec.Name = md.Name
	rec.Path = p.Path
	if rec.Version != md.Version {
		rec.Version = md.Version
		rec.ObjectsInstalled = false
	}
	p.Record = rec
	return rec, nil
}

// MarkObjectsInstalled records that the pack's objects are installed
func (s *Store) MarkObjectsInstalled(ctx context.Context, p *Pack) error {
	id, err := p.ID()
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).
		Update("objects_installed", true).Error; err != nil {
		return err
	}
	p.Record.ObjectsInstalled = true
	return nil
}

// Delete removes the pack's record and marks the pack uninstalled
func (s *Store) Delete(ctx context.Context, p *Pack) error {
	if err := s.db.WithContext(ctx).Where(map[string]any{"uuid": p.UUID().String()}).
		Delete(&Record{}).Error; err != nil {
		return err
	}
	p.Record = nil
	p.Uninstalled = true
	return nil
}
