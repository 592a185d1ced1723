package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every override variable.
const EnvPrefix = "RELAYBOT_"

// envOverrides are deployment-time settings that may come from the
// environment instead of the config file (secrets, paths).
type envOverrides struct {
	Token         string `env:"TOKEN"`
	OwnerID       int64  `env:"OWNER_ID"`
	StorageDriver string `env:"STORAGE_DRIVER"`
	StoragePath   string `env:"STORAGE_PATH"`
	LockPath      string `env:"LOCK_PATH"`
	LogLevel      string `env:"LOG_LEVEL"`
}

// ApplyEnv overlays RELAYBOT_* variables from the process environment.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix})
}

// ApplyEnvFrom is ApplyEnv with an explicit environment (tests, tooling).
func ApplyEnvFrom(cfg *Config, environ map[string]string) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix, Environment: environ})
}

func applyEnv(cfg *Config, opts env.Options) error {
	if cfg == nil {
		return nil
	}
	var o envOverrides
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.Token)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Storage.LockPath, o.LockPath)
	set(&cfg.Logging.Level, o.LogLevel)
	if o.OwnerID != 0 {
		cfg.Telegram.OwnerUserID = o.OwnerID
	}
	return nil
}
