package shared

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
		if !errors.Is(err, ErrMissingConfig) {
			t.Errorf("expected ErrMissingConfig, got %v", err)
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		path := writeConfig(t, "[remote\nbase_url =")
		_, err := LoadConfig(path)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("reads sections", func(t *testing.T) {
		path := writeConfig(t, `
[remote]
base_url = "https://api.example.com/v1"
token = "abc"

[library]
music_root = "/music"

[sync]
workers = 8
rate_limit = 1.5
fuzzy_threshold = 85
`)
		config, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if config.Remote.BaseURL != "https://api.example.com/v1" || config.Remote.Token != "abc" {
			t.Errorf("remote section not loaded: %+v", config.Remote)
		}
		if config.Library.MusicRoot != "/music" {
			t.Errorf("library section not loaded: %+v", config.Library)
		}
		if config.Sync.Workers != 8 || config.Sync.RateLimit != 1.5 || config.Sync.FuzzyThreshold != 85 {
			t.Errorf("sync section not loaded: %+v", config.Sync)
		}
	})

	t.Run("environment overrides file values", func(t *testing.T) {
		t.Setenv("CRATESYNC_REMOTE_TOKEN", "from-env")
		t.Setenv("CRATESYNC_MUSIC_ROOT", "/env/music")
		t.Setenv("CRATESYNC_FUZZY_THRESHOLD", "70")

		path := writeConfig(t, `
[remote]
token = "from-file"

[library]
music_root = "/file/music"
`)
		config, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if config.Remote.Token != "from-env" {
			t.Errorf("token = %q, want env override", config.Remote.Token)
		}
		if config.Library.MusicRoot != "/env/music" {
			t.Errorf("music_root = %q, want env override", config.Library.MusicRoot)
		}
		if config.Sync.FuzzyThreshold != 70 {
			t.Errorf("fuzzy_threshold = %d, want 70", config.Sync.FuzzyThreshold)
		}
	})
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Database.Path == "" {
		t.Error("expected a default database path")
	}
	if config.Sync.Workers <= 0 || config.Sync.FuzzyThreshold <= 0 {
		t.Errorf("expected sync defaults, got %+v", config.Sync)
	}
	if config.Logging.Level == "" {
		t.Error("expected a default log level")
	}
}

func TestCreateConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := CreateConfigFile(path); err != nil {
		t.Fatalf("CreateConfigFile failed: %v", err)
	}
	if _, err := LoadConfig(path); err != nil {
		t.Errorf("template does not parse: %v", err)
	}

	if err := CreateConfigFile(path); err == nil {
		t.Error("expected an error when the file already exists")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		config := DefaultConfig()
		config.Library.MusicRoot = "/music"
		config.Remote.BaseURL = "https://api.example.com"
		return config
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing music root", func(c *Config) { c.Library.MusicRoot = "" }},
		{"missing database path", func(c *Config) { c.Database.Path = "" }},
		{"missing base URL", func(c *Config) { c.Remote.BaseURL = "" }},
		{"threshold out of range", func(c *Config) { c.Sync.FuzzyThreshold = 101 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(config)
			if err := config.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestPlaylistsRoot(t *testing.T) {
	config := &Config{}
	config.Library.MusicRoot = "/music"
	if got := config.PlaylistsRoot(); got != filepath.Join("/music", "Playlists") {
		t.Errorf("PlaylistsRoot = %q", got)
	}
}
