// Package syncconfig loads and saves the global cornerstone configuration at
// ~/.config/cornerstone/config.json, with CORNERSTONE_* environment variable
// overrides.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ServerConfig holds serve-mode settings.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
}

// SyncConfig holds client-side sync settings.
type SyncConfig struct {
	URL             string `json:"url"`
	APIKey          string `json:"api_key,omitempty"`
	Direction       string `json:"direction,omitempty"`
	ItemsPerRequest int    `json:"items_per_request,omitempty"`
	EnableKeyCache  *bool  `json:"enable_key_cache,omitempty"` // nil = default true
}

// Config is the global config stored at ~/.config/cornerstone/config.json.
type Config struct {
	DataDir    string       `json:"data_dir,omitempty"`
	ClientName string       `json:"client_name,omitempty"`
	Server     ServerConfig `json:"server"`
	Sync       SyncConfig   `json:"sync"`
}

const (
	defaultListenAddr = ":8080"
	defaultServerURL  = "http://localhost:8080"
)

// ConfigDir returns ~/.config/cornerstone, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "cornerstone")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Load reads the global config, fills defaults, and applies environment
// overrides.
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyDefaults(dir)
	cfg.applyEnv()
	return cfg, nil
}

// Save writes the global config to ~/.config/cornerstone/config.json.
func Save(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0600)
}

func (c *Config) applyDefaults(dir string) {
	if c.DataDir == "" {
		c.DataDir = dir
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if c.Sync.URL == "" {
		c.Sync.URL = defaultServerURL
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CORNERSTONE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CORNERSTONE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("CORNERSTONE_API_KEY"); v != "" {
		c.Server.APIKey = v
		c.Sync.APIKey = v
	}
	if v := os.Getenv("CORNERSTONE_CLIENT_NAME"); v != "" {
		c.ClientName = v
	}
	if v := os.Getenv("CORNERSTONE_SYNC_URL"); v != "" {
		c.Sync.URL = v
	}
	if v := os.Getenv("CORNERSTONE_SYNC_DIRECTION"); v != "" {
		c.Sync.Direction = v
	}
	if v := os.Getenv("CORNERSTONE_ITEMS_PER_REQUEST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.ItemsPerRequest = n
		}
	}
}

// KeyCacheEnabled reports the effective key cache setting.
func (c *Config) KeyCacheEnabled() bool {
	return c.Sync.EnableKeyCache == nil || *c.Sync.EnableKeyCache
}

// DatabasePath returns the sqlite database location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "cornerstone.db")
}
