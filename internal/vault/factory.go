package vault

import (
	"context"
	"errors"
	"fmt"

	"posvault/internal/config"
	"posvault/internal/engine"
)

// NewVaultFromConfig builds the vault named by cfg. Every returned vault is a
// concrete, non-nil implementation; on error the vault is nil.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (engine.Vault, error) {
	if cfg.Name == "" {
		return nil, errors.New("vault name is required")
	}
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("vault %q: filesystem vault requires fs_vault_root", cfg.Name)
		}
		fsv, err := NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
		if err != nil {
			return nil, fmt.Errorf("vault %q: %w", cfg.Name, err)
		}
		return fsv, nil
	case "s3":
		s3v, err := NewS3VaultFromConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("vault %q: %w", cfg.Name, err)
		}
		return s3v, nil
	}
	return nil, fmt.Errorf("vault %q: unknown vault type %q", cfg.Name, cfg.Type)
}

// NewVaultsFromConfig builds every configured vault in order.
func NewVaultsFromConfig(ctx context.Context, cfgs []config.VaultConfig) ([]engine.Vault, error) {
	vaults := make([]engine.Vault, 0, len(cfgs))
	for _, c := range cfgs {
		v, err := NewVaultFromConfig(ctx, c)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, v)
	}
	return vaults, nil
}
