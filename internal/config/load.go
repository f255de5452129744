package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// Environment variable overrides. These win over the config file so
// deployments can redirect a client without editing it.
const (
	envBaseURL = "COLLABENGINE_BASE_URL"
	envWSURL   = "COLLABENGINE_WS_URL"
	envLogLvl  = "COLLABENGINE_LOG_LEVEL"
)

// Load reads the configuration file at path, layering it over the
// defaults and applying environment overrides. A missing file is not an
// error: the defaults (plus environment) are returned so a client can
// run from environment alone.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Fall through to env overrides.
	case err != nil:
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	default:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func applyEnv(cfg *Config) {
	if v := os.Getenv(envBaseURL); v != "" {
		cfg.Server.BaseURL = v
	}

	if v := os.Getenv(envWSURL); v != "" {
		cfg.Server.WSURL = v
	}

	if v := os.Getenv(envLogLvl); v != "" {
		cfg.Logging.Level = v
	}
}
