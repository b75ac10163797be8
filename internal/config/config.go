// Package config loads runtime configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Dev fallback signing keys. Running with these is safe only for local
// development; the server logs a warning when they are in use.
const (
	DevSessionKey = "escan-dev-session-key-do-not-use"
	DevRoleKey    = "escan-dev-role-key-do-not-use"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`

	Secrets struct {
		SessionKey string `yaml:"session_key"`
		RoleKey    string `yaml:"role_key"`
		AdminKey   string `yaml:"admin_key"`
	} `yaml:"secrets"`

	Scan struct {
		TimeoutSeconds    int     `yaml:"timeout_seconds"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"scan"`

	Flags map[string]bool `yaml:"flags"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Storage.DBPath = "escan.db"
	cfg.Secrets.SessionKey = DevSessionKey
	cfg.Secrets.RoleKey = DevRoleKey
	cfg.Scan.TimeoutSeconds = 12
	cfg.Scan.RequestsPerSecond = 10
	cfg.Flags = map[string]bool{}
	return cfg
}

// Load reads the YAML config at path and applies environment overrides.
// A missing file is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if cfg.Scan.TimeoutSeconds <= 0 {
		cfg.Scan.TimeoutSeconds = 12
	}
	if cfg.Scan.RequestsPerSecond <= 0 {
		cfg.Scan.RequestsPerSecond = 10
	}
	if cfg.Flags == nil {
		cfg.Flags = map[string]bool{}
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ESCAN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ESCAN_DB"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("ESCAN_SESSION_KEY"); v != "" {
		cfg.Secrets.SessionKey = v
	}
	if v := os.Getenv("ESCAN_ROLE_KEY"); v != "" {
		cfg.Secrets.RoleKey = v
	}
	if v := os.Getenv("ESCAN_ADMIN_KEY"); v != "" {
		cfg.Secrets.AdminKey = v
	}
	if v := os.Getenv("ESCAN_SCAN_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scan.TimeoutSeconds = n
		}
	}
}

// UsingDevKeys reports whether either signing secret is a built-in dev key.
func (c *Config) UsingDevKeys() bool {
	return c.Secrets.SessionKey == DevSessionKey || c.Secrets.RoleKey == DevRoleKey
}
