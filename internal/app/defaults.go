package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths are the default locations of the config file and the data directory.
type Paths struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// DefaultPaths resolves Paths. POSVAULT_CONFIG_PATH overrides the config file
// (~/.config/posvault.toml) and POSVAULT_HOME the data directory
// (~/.local/share/posvault).
func DefaultPaths() (Paths, error) {
	var p Paths
	var err error
	if p.ConfigPath, err = envOrHome("POSVAULT_CONFIG_PATH", ".config", "posvault.toml"); err != nil {
		return Paths{}, err
	}
	if p.BaseDir, err = envOrHome("POSVAULT_HOME", ".local", "share", "posvault"); err != nil {
		return Paths{}, err
	}
	p.LogDir = filepath.Join(p.BaseDir, "log")
	return p, nil
}

func envOrHome(key string, elems ...string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving %s: cannot determine home directory: %w", key, err)
	}
	return filepath.Join(append([]string{home}, elems...)...), nil
}
