package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sadopc/trackd/internal/logging"
	"github.com/sadopc/trackd/internal/store"
)

const (
	EnvDataDir   = "TRACKD_DATA_DIR"
	EnvListen    = "TRACKD_LISTEN"
	EnvServerURL = "TRACKD_SERVER_URL"
	EnvUserID    = "TRACKD_USER_ID"
)

type Config struct {
	DataDir    string        `yaml:"data_dir"`
	ListenAddr string        `yaml:"listen_addr"`
	Log        LogConfig     `yaml:"log"`
	Store      StoreConfig   `yaml:"store"`
	Sampler    SamplerConfig `yaml:"sampler"`
	Idle       IdleConfig    `yaml:"idle"`
	Git        GitConfig     `yaml:"git"`
	Sync       SyncConfig    `yaml:"sync"`
	Metrics    MetricsConfig `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Format string `yaml:"format"`
}

type SamplerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	IdleCutoff time.Duration `yaml:"idle_cutoff"`
}

type IdleConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Threshold time.Duration `yaml:"threshold"`
}

type GitConfig struct {
	Interval       time.Duration `yaml:"interval"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type SyncConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
	ConfigPath string        `yaml:"config_path"`
	// ServerURL and UserID seed a sync config file that does not exist yet.
	ServerURL string `yaml:"server_url"`
	UserID    string `yaml:"user_id"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func DefaultConfig() Config {
	return Config{
		DataDir:    defaultDataDir(),
		ListenAddr: "127.0.0.1:4317",
		Log:        LogConfig{Level: "info", Format: logging.FormatConsole},
		Store:      StoreConfig{Format: store.FormatJSON},
		Sampler: SamplerConfig{
			Interval:   5 * time.Second,
			IdleCutoff: 10 * time.Minute,
		},
		Idle: IdleConfig{
			Interval:  10 * time.Second,
			Threshold: 2 * time.Minute,
		},
		Git: GitConfig{
			Interval:       time.Minute,
			CommandTimeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			Interval: 15 * time.Minute,
			Timeout:  30 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "trackd")
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load overlays the YAML file at path (a missing file is fine) and then the
// environment on top of DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(EnvServerURL); v != "" {
		c.Sync.ServerURL = v
	}
	if v := os.Getenv(EnvUserID); v != "" {
		c.Sync.UserID = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	switch c.Store.Format {
	case store.FormatJSON, store.FormatSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.format %q: want %s or %s", c.Store.Format, store.FormatJSON, store.FormatSQLite))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"sampler.interval", c.Sampler.Interval},
		{"sampler.idle_cutoff", c.Sampler.IdleCutoff},
		{"idle.interval", c.Idle.Interval},
		{"idle.threshold", c.Idle.Threshold},
		{"git.interval", c.Git.Interval},
		{"git.command_timeout", c.Git.CommandTimeout},
		{"sync.interval", c.Sync.Interval},
		{"sync.timeout", c.Sync.Timeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.val))
		}
	}
	return errors.Join(errs...)
}

// StorePath is the record store file inside the data dir.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, store.FileName(c.Store.Format))
}

func (c Config) SyncConfigPath() string {
	if c.Sync.ConfigPath != "" {
		return c.Sync.ConfigPath
	}
	return filepath.Join(c.DataDir, "sync-config.json")
}
