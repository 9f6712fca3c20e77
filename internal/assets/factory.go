package assets

import (
	"fmt"

	"posvault/internal/config"
	"posvault/internal/engine"
)

// NewStoreFromConfig creates an AssetStore based on the config type.
func NewStoreFromConfig(cfg config.AssetConfig) (engine.AssetStore, error) {
	switch cfg.Type {
	case "directory":
		if cfg.Root == "" {
			return nil, fmt.Errorf("directory asset store %q requires root to be set", cfg.Name)
		}
		s, err := NewDirectoryStore(cfg.Name, cfg.Root, cfg.Ignore)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(cfg.Name, nil), nil
	default:
		return nil, fmt.Errorf("unknown asset store type: %s", cfg.Type)
	}
}
