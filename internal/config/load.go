package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file on top of the defaults and
// validates the result. Unknown keys are fatal: a silently ignored typo in a
// config file is far harder to debug than a startup error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// LoadOrDefault reads the config file if it exists, otherwise starts from
// pure defaults so the daemon can run on environment variables alone.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies the full override chain: defaults, then the config file
// (explicitPath, else CADSYNC_CONFIG, else the platform default path), then
// environment variables, then validation.
func Resolve(explicitPath string) (*Config, error) {
	cfg, err := resolve(explicitPath)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// ResolveLocal is Resolve without the upstream section checks, for commands
// that only touch the local mirror (status, migrate) and must work without
// credentials.
func ResolveLocal(explicitPath string) (*Config, error) {
	cfg, err := resolve(explicitPath)
	if err != nil {
		return nil, err
	}

	if err := ValidateLocal(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

func resolve(explicitPath string) (*Config, error) {
	path := DefaultConfigPath()
	if env := os.Getenv(EnvConfig); env != "" {
		path = env
	}

	if explicitPath != "" {
		path = explicitPath
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
