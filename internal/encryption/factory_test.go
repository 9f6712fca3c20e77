package encryption

import (
	"path/filepath"
	"testing"

	"posvault/internal/config"
)

func TestNewEncryptorFromConfig(t *testing.T) {
	dir := t.TempDir()
	keys := config.EncryptionConfig{
		PublicKeyPath:  filepath.Join(dir, "posvault.pub"),
		PrivateKeyPath: filepath.Join(dir, "posvault.key"),
	}

	tests := []struct {
		name    string
		cfg     config.EncryptionConfig
		wantNil bool
		wantErr bool
	}{
		{name: "age by default", cfg: keys},
		{name: "age without key paths", cfg: config.EncryptionConfig{Type: "age"}, wantNil: true, wantErr: true},
		{name: "test", cfg: config.EncryptionConfig{Type: "test"}},
		{name: "none", cfg: config.EncryptionConfig{Type: "none"}, wantNil: true},
		{name: "unknown", cfg: config.EncryptionConfig{Type: "rot13"}, wantNil: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewEncryptorFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptorFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (got == nil) != tt.wantNil {
				t.Errorf("NewEncryptorFromConfig() = %v, wantNil %v", got, tt.wantNil)
			}
		})
	}
}
