package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the posvault configuration file.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level,omitempty"` // debug, info, warn, error
	Engine     EngineConfig     `toml:"engine"`
	Database   DatabaseConfig   `toml:"database"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Outbox     OutboxConfig     `toml:"outbox"`
	Encryption EncryptionConfig `toml:"encryption"`
	Assets     []AssetConfig    `toml:"assets"`
}

// EngineConfig tunes the snapshot and workflow engine. Zero values take
// the engine defaults.
type EngineConfig struct {
	SchemaVersion           int               `toml:"schema_version"`
	MaxRetries              int               `toml:"max_retries"`
	RetryBackoffMS          int64             `toml:"retry_backoff_ms"`
	TombstoneRetentionHours int               `toml:"tombstone_retention_hours"`
	SessionID               string            `toml:"session_id,omitempty"`
	Environment             map[string]string `toml:"environment,omitempty"` // captured into every snapshot
}

// RetryBackoff returns the base delay between step retries.
func (e EngineConfig) RetryBackoff() time.Duration {
	return time.Duration(e.RetryBackoffMS) * time.Millisecond
}

// TombstoneRetention returns how long deleted entity mappings are kept.
func (e EngineConfig) TombstoneRetention() time.Duration {
	return time.Duration(e.TombstoneRetentionHours) * time.Hour
}

// DatabaseConfig selects the state database.
// Tagged union: Type decides which other fields apply.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // sqlite only
}

// VaultConfig describes a remote sink for snapshot artifacts.
// Tagged union: Type decides which other fields apply.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3" or "filesystem"
	Name string `toml:"name"`

	// s3
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"` // S3-compatible stores such as MinIO
	S3PathStyle       bool   `toml:"s3_path_style,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// filesystem
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// OutboxConfig selects where artifacts wait for delivery.
// Tagged union: Type decides which other fields apply.
type OutboxConfig struct {
	Type      string `toml:"type"`                 // "memory" or "filesystem"
	OutboxDir string `toml:"outbox_dir,omitempty"` // filesystem only
	MaxSize   int64  `toml:"max_size"`             // bytes; defaults to 256MB
}

// EncryptionConfig holds the age key pair used to protect artifacts.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "test" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// AssetConfig describes one store of opaque file assets captured with
// every snapshot, such as receipt images or a logo.
// Tagged union: Type decides which other fields apply.
type AssetConfig struct {
	Type   string   `toml:"type"` // "directory" or "memory"
	Name   string   `toml:"name"`
	Root   string   `toml:"root,omitempty"`   // directory only
	Ignore []string `toml:"ignore,omitempty"` // directory only
}

// NewConfig returns a Config with default locations under baseDir.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:   hostID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Outbox:   OutboxConfig{Type: "filesystem", OutboxDir: filepath.Join(baseDir, "outbox")},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "posvault.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "posvault.key"),
		},
	}
}

// Validate checks the fields that cannot be defaulted.
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	if c.Engine.SchemaVersion < 0 || c.Engine.MaxRetries < 0 || c.Engine.RetryBackoffMS < 0 {
		return fmt.Errorf("engine settings must not be negative")
	}
	names := make(map[string]bool)
	for _, v := range c.Vaults {
		if v.Name == "" {
			return fmt.Errorf("vault of type %q has no name", v.Type)
		}
		if names[v.Name] {
			return fmt.Errorf("duplicate vault name %q", v.Name)
		}
		names[v.Name] = true
	}
	assets := make(map[string]bool)
	for _, a := range c.Assets {
		if a.Name == "" {
			return fmt.Errorf("asset store of type %q has no name", a.Type)
		}
		if assets[a.Name] {
			return fmt.Errorf("duplicate asset store name %q", a.Name)
		}
		assets[a.Name] = true
	}
	return nil
}

// Manager reads and writes configuration.
type Manager struct{}

// Read decodes a Config from r.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Write encodes cfg to w.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg, err := (&Manager{}).Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file can hold S3 credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := (&Manager{}).Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. An existing file is never overwritten.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
