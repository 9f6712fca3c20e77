package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		name      string
		configEnv string
		homeEnv   string
		want      Paths
	}{
		{
			name:      "environment overrides",
			configEnv: "/etc/till/posvault.toml",
			homeEnv:   "/srv/till",
			want: Paths{
				ConfigPath: "/etc/till/posvault.toml",
				BaseDir:    "/srv/till",
				LogDir:     "/srv/till/log",
			},
		},
		{
			name: "home directory fallback",
			want: Paths{
				ConfigPath: filepath.Join(home, ".config", "posvault.toml"),
				BaseDir:    filepath.Join(home, ".local", "share", "posvault"),
				LogDir:     filepath.Join(home, ".local", "share", "posvault", "log"),
			},
		},
		{
			name:    "only data directory overridden",
			homeEnv: "/srv/till",
			want: Paths{
				ConfigPath: filepath.Join(home, ".config", "posvault.toml"),
				BaseDir:    "/srv/till",
				LogDir:     "/srv/till/log",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("POSVAULT_CONFIG_PATH", tt.configEnv)
			t.Setenv("POSVAULT_HOME", tt.homeEnv)

			got, err := DefaultPaths()
			if err != nil {
				t.Fatalf("DefaultPaths() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DefaultPaths() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
