// Package pack describes on-disk packs: versioned directories of content
// and, for plugin packs, code. A pack's metadata lives in pack.yaml at the
// pack root.
package pack

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

const (
	// FormatV1 is the only supported metadata format
	FormatV1 = "arcana-pack-v1"
	// MetadataFile is the metadata file name at a pack root
	MetadataFile = "pack.yaml"
)

// StartupBehavior controls how a pack's objects are treated at startup
type StartupBehavior string

const (
	// StartupReload always reinstalls the pack's objects
	StartupReload StartupBehavior = "reload"
	// StartupCheck updates installed objects that differ from the pack
	StartupCheck StartupBehavior = "check"
	// StartupNoReload leaves installed objects alone
	StartupNoReload StartupBehavior = "no_reload"
)

// Date is a calendar date in YYYY-MM-DD form
type Date struct {
	time.Time
}

// UnmarshalYAML parses a YYYY-MM-DD scalar
func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	t, err := time.Parse(time.DateOnly, node.Value)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// MarshalYAML writes the date as YYYY-MM-DD
func (d Date) MarshalYAML() (any, error) {
	return d.Format(time.DateOnly), nil
}

// Dependency is a pack that must be installed first
type Dependency struct {
	UUID           uuid.UUID `yaml:"uuid"`
	MinimumVersion int       `yaml:"minimum_version"`
}

// PluginMetadata is present for plugin packs
type PluginMetadata struct {
	ModuleName string `yaml:"module_name"`
}

// Metadata is the content of pack.yaml
type Metadata struct {
	Format          string          `yaml:"format"`
	Name            string          `yaml:"name"`
	Author          string          `yaml:"author"`
	DateCreated     Date            `yaml:"date_created"`
	Version         int             `yaml:"version"`
	UUID            uuid.UUID       `yaml:"uuid"`
	StartupBehavior StartupBehavior `yaml:"startup_behavior"`
	IsPlugin        bool            `yaml:"is_plugin"`
	Plugin          *PluginMetadata `yaml:"plugin,omitempty"`
	Dependencies    []Dependency    `yaml:"dependencies,omitempty"`
}

// ParseMetadata decodes and validates pack.yaml content
func ParseMetadata(data []byte) (*Metadata, error) {
	md := &Metadata{}
	if err := yaml.Unmarshal(data, md); err != nil {
		return nil, apperrors.ErrInvalidPack.WithError(err)
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

// LoadMetadata reads pack.yaml from path
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	md, err := ParseMetadata(data)
	if err != nil {
		return nil, apperrors.ErrInvalidPack.WithMessagef("%s: %v", path, err)
	}
	return md, nil
}

// Validate checks required fields and fills defaults
func (m *Metadata) Validate() error {
	if m.Format != FormatV1 {
		return apperrors.ErrInvalidPack.WithMessagef("unsupported pack format: %q", m.Format)
	}
	if m.Name == "" {
		return apperrors.ErrInvalidPack.WithMessage("pack name is required")
	}
	if m.UUID == uuid.Nil {
		return apperrors.ErrInvalidPack.WithMessagef("pack %q has no uuid", m.Name)
	}
	if m.Version < 1 {
		return apperrors.ErrInvalidPack.WithMessagef("pack %q version must start from 1", m.Name)
	}

	switch m.StartupBehavior {
	case "":
		m.StartupBehavior = StartupNoReload
	case StartupReload, StartupCheck, StartupNoReload:
	default:
		return apperrors.ErrInvalidPack.WithMessagef("pack %q has unknown startup_behavior %q", m.Name, m.StartupBehavior)
	}
	return nil
}

// Pack is a pack found on disk
type Pack struct {
	// Path is the directory of the unpacked pack
	Path     string
	Metadata *Metadata
	// Record is the persisted row, nil until synced with a Store
	Record *Record
	// Plugin is the instantiated plugin of a plugin pack, set by the loader
	Plugin any
	// Uninstalled marks a pack removed while the runtime was running
	Uninstalled bool
}

// Load reads the pack rooted at dir
func Load(dir string) (*Pack, error) {
	md, err := LoadMetadata(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	return &Pack{Path: dir, Metadata: md}, nil
}

// ID returns the pack's database id
func (p *Pack) ID() (uint, error) {
	if p.Record == nil {
		return 0, apperrors.ErrInvalidPack.WithMessagef("pack %q has no database record", p.Name())
	}
	return p.Record.ID, nil
}

// UUID returns the pack's UUID, or uuid.Nil without metadata
func (p *Pack) UUID() uuid.UUID {
	if p.Metadata == nil {
		return uuid.Nil
	}
	return p.Metadata.UUID
}

// Name returns the pack's name
func (p *Pack) Name() string {
	if p.Metadata == nil {
		return filepath.Base(p.Path)
	}
	return p.Metadata.Name
}

// IsPlugin reports whether the pack carries plugin code
func (p *Pack) IsPlugin() bool {
	return p.Metadata != nil && p.Metadata.IsPlugin
}

// ModuleName returns the plugin module name, or "" for non-plugin packs
func (p *Pack) ModuleName() string {
	if p.Metadata == nil || p.Metadata.Plugin == nil {
		return ""
	}
	return p.Metadata.Plugin.ModuleName
}

func (p *Pack) String() string {
	return p.Name() + " (" + p.UUID().String() + ")"
}
