package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		HostID:   "till-07",
		BaseDir:  "/var/lib/posvault",
		LogDir:   "/var/lib/posvault/log",
		LogLevel: "debug",
		Engine: EngineConfig{
			SchemaVersion:           3,
			MaxRetries:              5,
			RetryBackoffMS:          250,
			TombstoneRetentionHours: 72,
			Environment:             map[string]string{"store": "downtown"},
		},
		Vaults: []VaultConfig{
			{Type: "filesystem", Name: "usb", FSVaultRoot: "/mnt/usb/posvault"},
			{Type: "s3", Name: "cloud", S3Bucket: "pos-backups", S3Region: "eu-west-1", S3PathStyle: true},
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  "/var/lib/posvault/keys/posvault.pub",
			PrivateKeyPath: "/var/lib/posvault/keys/posvault.key",
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: "/var/lib/posvault/db"},
		Outbox:   OutboxConfig{Type: "memory", MaxSize: 2048},
		Assets: []AssetConfig{
			{Type: "directory", Name: "receipts", Root: "/srv/receipts", Ignore: []string{"*.tmp", ".cache"}},
		},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if got.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", got.LogLevel, "debug")
	}
	if got.Engine.MaxRetries != 5 || got.Engine.RetryBackoff() != 250*time.Millisecond {
		t.Errorf("Engine = %+v", got.Engine)
	}
	if got.Engine.TombstoneRetention() != 72*time.Hour {
		t.Errorf("TombstoneRetention() = %v, want 72h", got.Engine.TombstoneRetention())
	}
	if got.Engine.Environment["store"] != "downtown" {
		t.Errorf("Environment = %v", got.Engine.Environment)
	}
	if len(got.Vaults) != 2 {
		t.Fatalf("len(Vaults) = %d, want 2", len(got.Vaults))
	}
	if got.Vaults[0].FSVaultRoot != "/mnt/usb/posvault" {
		t.Errorf("Vault.FSVaultRoot = %q", got.Vaults[0].FSVaultRoot)
	}
	if got.Vaults[1].S3Bucket != "pos-backups" || !got.Vaults[1].S3PathStyle {
		t.Errorf("s3 vault = %+v", got.Vaults[1])
	}
	if got.Encryption.PrivateKeyPath != original.Encryption.PrivateKeyPath {
		t.Errorf("Encryption.PrivateKeyPath = %q, want %q", got.Encryption.PrivateKeyPath, original.Encryption.PrivateKeyPath)
	}
	if got.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q, want %q", got.Database.Type, "sqlite")
	}
	if got.Outbox.MaxSize != 2048 {
		t.Errorf("Outbox.MaxSize = %d, want %d", got.Outbox.MaxSize, 2048)
	}
	if len(got.Assets) != 1 || len(got.Assets[0].Ignore) != 2 {
		t.Fatalf("Assets = %+v", got.Assets)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("till-1", "/data/posvault")

	if cfg.LogDir != "/data/posvault/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/posvault/log")
	}
	if cfg.Database.DataDir != "/data/posvault/db" {
		t.Errorf("Database.DataDir = %q", cfg.Database.DataDir)
	}
	if cfg.Outbox.OutboxDir != "/data/posvault/outbox" {
		t.Errorf("Outbox.OutboxDir = %q", cfg.Outbox.OutboxDir)
	}
	if cfg.Encryption.PublicKeyPath != "/data/posvault/keys/posvault.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"missing host", func(c *Config) { c.HostID = "" }, "host_id"},
		{"negative retries", func(c *Config) { c.Engine.MaxRetries = -1 }, "negative"},
		{"unnamed vault", func(c *Config) { c.Vaults = []VaultConfig{{Type: "memory"}} }, "no name"},
		{"duplicate vault", func(c *Config) {
			c.Vaults = []VaultConfig{{Type: "memory", Name: "a"}, {Type: "memory", Name: "a"}}
		}, "duplicate vault"},
		{"duplicate asset store", func(c *Config) {
			c.Assets = []AssetConfig{{Type: "memory", Name: "logo"}, {Type: "memory", Name: "logo"}}
		}, "duplicate asset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("h", "/tmp/p")
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "posvault.toml")

		if err := Init(path, NewConfig("h1", dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("config file not created: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("mode = %v, want 0600", info.Mode().Perm())
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "posvault.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "posvault.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "read-test" || got.Database.Type != "memory" {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/posvault.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
