package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation bounds. The pool and parser caps reflect upstream session
// churn and SQLite file locking respectively, not arbitrary taste.
const (
	maxPoolSize      = 8
	maxParserWorkers = 4
	minTick          = 5 * time.Second
	minRetention     = time.Hour
)

// Validate checks every field and returns all errors found, joined, so a
// bad config is fixed in one pass.
func Validate(cfg *Config) error {
	return errors.Join(validateUpstream(cfg), ValidateLocal(cfg))
}

func validateUpstream(cfg *Config) error {
	var errs []error

	if cfg.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	} else if u, err := url.Parse(cfg.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url %q is not an absolute URL", cfg.Upstream.BaseURL))
	}

	if cfg.Upstream.Username == "" {
		errs = append(errs, errors.New("upstream.username is required"))
	}

	if cfg.Upstream.Password == "" {
		errs = append(errs, errors.New("upstream.password is required (config file or CADSYNC_UPSTREAM_PASSWORD)"))
	}

	if cfg.Upstream.PoolSize < 1 || cfg.Upstream.PoolSize > maxPoolSize {
		errs = append(errs, fmt.Errorf("upstream.pool_size %d outside 1..%d", cfg.Upstream.PoolSize, maxPoolSize))
	}

	if cfg.Upstream.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("upstream.rate_limit %v must be positive", cfg.Upstream.RateLimit))
	}

	return errors.Join(errs...)
}

// ValidateLocal checks everything except the upstream section.
func ValidateLocal(cfg *Config) error {
	var errs []error

	if cfg.Storage.DatabasePath == "" {
		errs = append(errs, errors.New("storage.database_path is required"))
	}

	if cfg.Storage.BlobRoot == "" {
		errs = append(errs, errors.New("storage.blob_root is required"))
	}

	if cfg.Storage.ImageRoot == "" {
		errs = append(errs, errors.New("storage.image_root is required"))
	}

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	if d, err := time.ParseDuration(cfg.Scheduler.Tick); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.tick %q: %w", cfg.Scheduler.Tick, err))
	} else if d < minTick {
		errs = append(errs, fmt.Errorf("scheduler.tick %s below minimum %s", d, minTick))
	}

	if d, err := time.ParseDuration(cfg.Scheduler.Retention); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.retention %q: %w", cfg.Scheduler.Retention, err))
	} else if d < minRetention {
		errs = append(errs, fmt.Errorf("scheduler.retention %s below minimum %s", d, minRetention))
	}

	if cfg.Parser.Workers < 1 || cfg.Parser.Workers > maxParserWorkers {
		errs = append(errs, fmt.Errorf("parser.workers %d outside 1..%d", cfg.Parser.Workers, maxParserWorkers))
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not debug/info/warn/error", cfg.Logging.Level))
	}

	switch cfg.Logging.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not auto, text or json", cfg.Logging.Format))
	}

	return errors.Join(errs...)
}

// TickDuration returns the parsed scheduler tick. Call after Validate.
func (c *SchedulerConfig) TickDuration() time.Duration {
	d, err := time.ParseDuration(c.Tick)
	if err != nil {
		return DefaultTick
	}

	return d
}

// RetentionDuration returns the parsed history retention. Call after
// Validate.
func (c *SchedulerConfig) RetentionDuration() time.Duration {
	d, err := time.ParseDuration(c.Retention)
	if err != nil {
		return DefaultRetention
	}

	return d
}
