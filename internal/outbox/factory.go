package outbox

import (
	"fmt"

	"posvault/internal/config"
	"posvault/internal/engine"
)

// NewOutboxFromConfig creates an Outbox based on the config type.
func NewOutboxFromConfig(cfg config.OutboxConfig, clock engine.Clock) (*Outbox, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryOutbox(clock, cfg.MaxSize), nil
	case "filesystem":
		if cfg.OutboxDir == "" {
			return nil, fmt.Errorf("filesystem outbox requires outbox_dir to be set")
		}
		return NewFileSystemOutbox(cfg.OutboxDir, clock, cfg.MaxSize)
	default:
		return nil, fmt.Errorf("unknown outbox type: %s", cfg.Type)
	}
}
