package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment overrides, read from the process and from a profile's .env file.
const (
	EnvToken   = "BOOSTSYNC_TOKEN"
	EnvBaseURL = "BOOSTSYNC_BASE_URL"
	EnvPushURL = "BOOSTSYNC_PUSH_URL"
)

// Storage backends for the persistent string store.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents ~/.boostsync/config.toml.
type Config struct {
	DefaultProfile string    `toml:"default_profile"`
	User           User      `toml:"user"`
	Server         Server    `toml:"server"`
	Reconcile      Reconcile `toml:"reconcile"`
	Jobs           Jobs      `toml:"jobs"`
	Fetch          Fetch     `toml:"fetch"`
	Storage        Storage   `toml:"storage"`
}

type User struct {
	ID string `toml:"id"`
}

type Server struct {
	BaseURL string `toml:"base_url"`
	PushURL string `toml:"push_url"`
	Token   string `toml:"token"`
}

type Reconcile struct {
	StatusTTL         Duration `toml:"status_ttl"`
	APIConflictWindow Duration `toml:"api_conflict_window"`
	LocalGuardWindow  Duration `toml:"local_guard_window"`
}

// Jobs holds cron expressions. An empty StatusRefreshCron disables the
// periodic REST refresh of non-terminal orders.
type Jobs struct {
	StatusSweepCron    string `toml:"status_sweep_cron"`
	ArchiveCleanupCron string `toml:"archive_cleanup_cron"`
	StatusRefreshCron  string `toml:"status_refresh_cron"`
}

type Fetch struct {
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
	Timeout       Duration `toml:"timeout"`
}

type Storage struct {
	Backend string `toml:"backend"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Reconcile: Reconcile{
			StatusTTL:         Duration{5 * time.Minute},
			APIConflictWindow: Duration{30 * time.Second},
			LocalGuardWindow:  Duration{10 * time.Second},
		},
		Jobs: Jobs{
			StatusSweepCron:    "*/2 * * * *",
			ArchiveCleanupCron: "0 * * * *",
			StatusRefreshCron:  "*/5 * * * *",
		},
		Fetch: Fetch{
			RatePerSecond: 5,
			Burst:         10,
			Timeout:       Duration{10 * time.Second},
		},
		Storage: Storage{Backend: BackendSQLite},
	}
}

// Load reads config from path on top of the defaults. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendBolt:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Fetch.RatePerSecond < 0 || c.Fetch.Burst < 0 {
		return errors.New("fetch rate and burst must not be negative")
	}
	return nil
}

// ApplyEnv overrides server settings from envFile (when it exists) and then
// from the process environment, which takes precedence.
func (c *Config) ApplyEnv(envFile string) error {
	fileEnv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileEnv = m
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok && v != ""
	}
	if v, ok := lookup(EnvToken); ok {
		c.Server.Token = v
	}
	if v, ok := lookup(EnvBaseURL); ok {
		c.Server.BaseURL = v
	}
	if v, ok := lookup(EnvPushURL); ok {
		c.Server.PushURL = v
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
