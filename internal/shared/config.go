package shared

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file,
// with CRATESYNC_* environment variables taking precedence over file values.
type Config struct {
	Remote   RemoteConfig   `toml:"remote"`
	Library  LibraryConfig  `toml:"library"`
	Database DatabaseConfig `toml:"database"`
	Catalog  CatalogConfig  `toml:"catalog"`
	Sync     SyncConfig     `toml:"sync"`
	Logging  LoggingConfig  `toml:"logging"`
}

// RemoteConfig contains streaming catalog API settings.
type RemoteConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Quality string `toml:"quality"`
}

// LibraryConfig contains local music library settings.
type LibraryConfig struct {
	MusicRoot string `toml:"music_root"`
	Format    string `toml:"format"`
}

// DatabaseConfig contains entity store connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// CatalogConfig contains DJ catalog adapter settings.
type CatalogConfig struct {
	CollectionPath string `toml:"collection_path"`
}

// SyncConfig contains orchestrator and matcher tuning.
type SyncConfig struct {
	Workers            int     `toml:"workers"`
	RateLimit          float64 `toml:"rate_limit"`
	FuzzyThreshold     int     `toml:"fuzzy_threshold"`
	RetryCooldownHours int     `toml:"retry_cooldown_hours"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	MaxErrors          int     `toml:"max_errors"`
}

// LoggingConfig contains log level and optional file sink settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// PlaylistsRoot returns the directory that holds per-playlist folders.
func (c *Config) PlaylistsRoot() string {
	return filepath.Join(c.Library.MusicRoot, "Playlists")
}

// LoadConfig reads and parses a TOML configuration file from the specified
// path, then applies environment overrides. A .env file in the working
// directory is honored when present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrMissingConfig, err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrInvalidConfig, err)
	}

	config.applyEnv()
	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the
// embedded example config, with environment overrides applied.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	config.applyEnv()
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that the configuration can support a sync run. Failures
// here are configuration-severity: the run must not start.
func (c *Config) Validate() error {
	if c.Library.MusicRoot == "" {
		return fmt.Errorf("%w: library.music_root is required", ErrInvalidConfig)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrInvalidConfig)
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("%w: remote.base_url is required", ErrInvalidConfig)
	}
	if c.Sync.FuzzyThreshold < 0 || c.Sync.FuzzyThreshold > 100 {
		return fmt.Errorf("%w: sync.fuzzy_threshold must be within 0-100", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CRATESYNC_REMOTE_BASE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("CRATESYNC_REMOTE_TOKEN"); v != "" {
		c.Remote.Token = v
	}
	if v := os.Getenv("CRATESYNC_MUSIC_ROOT"); v != "" {
		c.Library.MusicRoot = v
	}
	if v := os.Getenv("CRATESYNC_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CRATESYNC_CATALOG_PATH"); v != "" {
		c.Catalog.CollectionPath = v
	}
	if v := os.Getenv("CRATESYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CRATESYNC_FUZZY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.FuzzyThreshold = n
		}
	}
}
