// Package config implements TOML configuration loading and validation for
// cadsync. The override chain is defaults -> config file -> environment
// variables; durations are written as Go duration strings ("60s", "6h").
package config

// Config is the top-level structure parsed from a TOML file.
type Config struct {
	Upstream  UpstreamConfig  `toml:"upstream"`
	Storage   StorageConfig   `toml:"storage"`
	Server    ServerConfig    `toml:"server"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Parser    ParserConfig    `toml:"parser"`
	Logging   LoggingConfig   `toml:"logging"`
}

// UpstreamConfig locates and authenticates against the upstream catalog API.
// The password can also come from CADSYNC_UPSTREAM_PASSWORD so it stays out
// of the config file.
type UpstreamConfig struct {
	BaseURL   string  `toml:"base_url"`
	Username  string  `toml:"username"`
	Password  string  `toml:"password"`
	PoolSize  int     `toml:"pool_size"`
	RateLimit float64 `toml:"rate_limit"`
}

// StorageConfig locates the mirror database and the fetched artifacts.
type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
	BlobRoot     string `toml:"blob_root"`
	ImageRoot    string `toml:"image_root"`
}

// ServerConfig controls the downstream HTTP API.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// SchedulerConfig controls the sweep scheduler and history retention.
type SchedulerConfig struct {
	Tick      string `toml:"tick"`
	Retention string `toml:"retention"`
}

// ParserConfig controls the parts parser worker pool.
type ParserConfig struct {
	Workers int `toml:"workers"`
}

// LoggingConfig controls log output: level is debug/info/warn/error, format
// is auto, text or json. Auto picks json when stderr is not a terminal.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}
