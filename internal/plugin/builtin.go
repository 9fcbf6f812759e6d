package plugin

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jrjohn/arcana-runtime/internal/extension"
	"github.com/jrjohn/arcana-runtime/internal/injector"
	"github.com/jrjohn/arcana-runtime/internal/pack"
)

// BuiltinPluginUUID identifies the builtin plugin. No pack on disk may use it.
var BuiltinPluginUUID = uuid.MustParse("00000000-0000-4000-8000-000000000b17")

// BuiltinPlugin owns the builtin extensions of every endpoint
type BuiltinPlugin struct {
	Base
}

// Builtin returns the builtin plugin type
func Builtin() *Type {
	return &Type{
		Name:        "builtin",
		Constructor: func() *BuiltinPlugin { return &BuiltinPlugin{} },
	}
}

// BuiltinPack returns the in-memory pack the builtin plugin is attached to
func BuiltinPack() *pack.Pack {
	return &pack.Pack{
		Metadata: &pack.Metadata{
			Format:          pack.FormatV1,
			Name:            "builtin",
			Version:         1,
			UUID:            BuiltinPluginUUID,
			StartupBehavior: pack.StartupNoReload,
			IsPlugin:        true,
		},
	}
}

// InitBuiltins instantiates the builtin plugin through the loader's
// container and attributes every deferred builtin extension to it.
func (l *Loader) InitBuiltins() (Plugin, error) {
	p := BuiltinPack()
	typ := Builtin()
	typ.attach(p)

	inst, err := l.construct(typ, p)
	if err != nil {
		return nil, fmt.Errorf("init builtin plugin: %w", err)
	}
	registry, err := injector.Resolve[*extension.Registry](l.container)
	if err != nil {
		return nil, fmt.Errorf("init builtin plugin: %w", err)
	}
	if err := registry.InitBuiltins(inst); err != nil {
		return nil, err
	}
	p.Plugin = inst

	l.logger.Debug("builtin plugin initialised")
	return inst, nil
}
