package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config is the sync settings file. Keys are camelCase to stay compatible
// with files written by earlier clients.
type Config struct {
	ServerURL         string `json:"serverUrl"`
	UserID            string `json:"userId"`
	LastSyncTimestamp int64  `json:"lastSyncTimestamp"`
	SyncEnabled       bool   `json:"syncEnabled"`
}

// Configured reports whether both the server and the user are known.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.ServerURL) != "" && strings.TrimSpace(c.UserID) != ""
}

// Patch is a partial update; nil fields are left alone.
type Patch struct {
	ServerURL         *string `json:"serverUrl,omitempty"`
	UserID            *string `json:"userId,omitempty"`
	LastSyncTimestamp *int64  `json:"lastSyncTimestamp,omitempty"`
	SyncEnabled       *bool   `json:"syncEnabled,omitempty"`
}

func (c Config) Apply(p Patch) Config {
	if p.ServerURL != nil {
		c.ServerURL = strings.TrimRight(strings.TrimSpace(*p.ServerURL), "/")
	}
	if p.UserID != nil {
		c.UserID = strings.TrimSpace(*p.UserID)
	}
	if p.LastSyncTimestamp != nil {
		c.LastSyncTimestamp = *p.LastSyncTimestamp
	}
	if p.SyncEnabled != nil {
		c.SyncEnabled = *p.SyncEnabled
	}
	return c
}

// ConfigStore persists Config as JSON, separately from the record store.
type ConfigStore struct {
	path     string
	defaults Config
}

func NewConfigStore(path string, defaults Config) *ConfigStore {
	return &ConfigStore{path: path, defaults: defaults}
}

func (c *ConfigStore) Path() string { return c.path }

// Load returns the defaults when the file does not exist. An unreadable
// file also yields the defaults, together with the error.
func (c *ConfigStore) Load() (Config, error) {
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return c.defaults, nil
	}
	if err != nil {
		return c.defaults, fmt.Errorf("read sync config: %w", err)
	}
	cfg := c.defaults
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return c.defaults, fmt.Errorf("parse sync config %s: %w", c.path, err)
	}
	return cfg, nil
}

func (c *ConfigStore) Save(cfg Config) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sync config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sync-config-*.json")
	if err != nil {
		return fmt.Errorf("save sync config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save sync config: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("save sync config: %w", err)
	}
	return nil
}
