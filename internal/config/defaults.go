package config

import (
	"os"
	"path/filepath"
	"time"
)

// Defaults for every tunable. The upstream section has no default URL or
// credentials; those must be provided.
const (
	DefaultPoolSize  = 2
	DefaultRateLimit = 10.0
	DefaultListen    = ":8080"
	DefaultTick      = 60 * time.Second
	DefaultRetention = 30 * 24 * time.Hour
	DefaultWorkers   = 2
	DefaultLogLevel  = "info"
	DefaultLogFormat = "auto"
)

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()

	return &Config{
		Upstream: UpstreamConfig{
			PoolSize:  DefaultPoolSize,
			RateLimit: DefaultRateLimit,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(dataDir, "cadsync.db"),
			BlobRoot:     filepath.Join(dataDir, "blobs"),
			ImageRoot:    filepath.Join(dataDir, "images"),
		},
		Server: ServerConfig{
			ListenAddr: DefaultListen,
		},
		Scheduler: SchedulerConfig{
			Tick:      DefaultTick.String(),
			Retention: DefaultRetention.String(),
		},
		Parser: ParserConfig{
			Workers: DefaultWorkers,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// DefaultConfigPath is ~/.config/cadsync/config.toml (or the platform
// equivalent per os.UserConfigDir).
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "cadsync", "config.toml")
	}

	return filepath.Join(base, "cadsync", "config.toml")
}

func defaultDataDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".", "cadsync")
	}

	return filepath.Join(base, "cadsync")
}
