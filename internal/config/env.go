package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names. Every variable overrides the corresponding
// config-file field; the password variable exists so credentials can stay
// out of files entirely.
const (
	EnvConfig      = "CADSYNC_CONFIG"
	EnvBaseURL     = "CADSYNC_UPSTREAM_URL"
	EnvUsername    = "CADSYNC_UPSTREAM_USERNAME"
	EnvPassword    = "CADSYNC_UPSTREAM_PASSWORD"
	EnvPoolSize    = "CADSYNC_POOL_SIZE"
	EnvRateLimit   = "CADSYNC_RATE_LIMIT"
	EnvDatabase    = "CADSYNC_DATABASE_PATH"
	EnvBlobRoot    = "CADSYNC_BLOB_ROOT"
	EnvImageRoot   = "CADSYNC_IMAGE_ROOT"
	EnvListenAddr  = "CADSYNC_LISTEN_ADDR"
	EnvTick        = "CADSYNC_SCHEDULER_TICK"
	EnvParserCount = "CADSYNC_PARSER_WORKERS"
	EnvLogLevel    = "CADSYNC_LOG_LEVEL"
)

// ApplyEnvOverrides overlays environment variables onto cfg. Malformed
// numeric values are rejected rather than ignored.
func ApplyEnvOverrides(cfg *Config) error {
	setString(&cfg.Upstream.BaseURL, EnvBaseURL)
	setString(&cfg.Upstream.Username, EnvUsername)
	setString(&cfg.Upstream.Password, EnvPassword)
	setString(&cfg.Storage.DatabasePath, EnvDatabase)
	setString(&cfg.Storage.BlobRoot, EnvBlobRoot)
	setString(&cfg.Storage.ImageRoot, EnvImageRoot)
	setString(&cfg.Server.ListenAddr, EnvListenAddr)
	setString(&cfg.Scheduler.Tick, EnvTick)
	setString(&cfg.Logging.Level, EnvLogLevel)

	if err := setInt(&cfg.Upstream.PoolSize, EnvPoolSize); err != nil {
		return err
	}

	if err := setInt(&cfg.Parser.Workers, EnvParserCount); err != nil {
		return err
	}

	return setFloat(&cfg.Upstream.RateLimit, EnvRateLimit)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}

	*dst = n

	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}

	*dst = f

	return nil
}
