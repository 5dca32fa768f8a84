// Package config loads feedsync settings from defaults, an optional file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the service.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

type SchedulerConfig struct {
	MinInterval  time.Duration `mapstructure:"min_interval"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	FailureGrace time.Duration `mapstructure:"failure_grace"`
	IntervalStep float64       `mapstructure:"interval_step"`
	MaxEntries   int           `mapstructure:"max_entries"`
	Workers      int           `mapstructure:"workers"`
}

type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	HostInterval time.Duration `mapstructure:"host_interval"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	Retries      int           `mapstructure:"retries"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	RedisURL string `mapstructure:"redis_url"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// setting binds a config key to its environment variable and default.
type setting struct {
	key string
	env string
	def any
}

var settings = []setting{
	{"scheduler.min_interval", "FEEDSYNC_MIN_INTERVAL", 15 * time.Minute},
	{"scheduler.max_interval", "FEEDSYNC_MAX_INTERVAL", 12 * time.Hour},
	{"scheduler.failure_grace", "FEEDSYNC_FAILURE_GRACE", 168 * time.Hour},
	{"scheduler.interval_step", "FEEDSYNC_INTERVAL_STEP", 0.1},
	{"scheduler.max_entries", "FEEDSYNC_MAX_ENTRIES", 500},
	{"scheduler.workers", "FEEDSYNC_WORKERS", 10},

	{"fetch.timeout", "FEEDSYNC_FETCH_TIMEOUT", 30 * time.Second},
	{"fetch.host_interval", "FEEDSYNC_HOST_INTERVAL", 500 * time.Millisecond},
	{"fetch.user_agent", "FEEDSYNC_USER_AGENT", "feedsync/1.0 (+https://github.com/bryan-buckman/feedsync)"},
	{"fetch.max_body_bytes", "FEEDSYNC_MAX_BODY_BYTES", int64(10 << 20)},
	{"fetch.retries", "FEEDSYNC_FETCH_RETRIES", 3},

	{"database.driver", "FEEDSYNC_DB_DRIVER", "sqlite"},
	{"database.dsn", "FEEDSYNC_DB_DSN", "feedsync.db"},
	{"database.redis_url", "FEEDSYNC_REDIS_URL", ""},

	{"server.addr", "FEEDSYNC_HTTP_ADDR", ":8080"},
	{"server.shutdown_timeout", "FEEDSYNC_SHUTDOWN_TIMEOUT", 15 * time.Second},

	{"log.level", "FEEDSYNC_LOG_LEVEL", "info"},
	{"log.format", "FEEDSYNC_LOG_FORMAT", "json"},
}

// Load reads the configuration and validates it. Environment variables
// override an optional YAML file named by FEEDSYNC_CONFIG, which overrides
// the defaults.
func Load() (*Config, error) {
	v := newViper()
	for _, s := range settings {
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", s.env, err)
		}
	}
	if file := os.Getenv("FEEDSYNC_CONFIG"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults returns the configuration with every field at its default.
func Defaults() *Config {
	cfg, err := unmarshal(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
	}
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges and relationships between fields.
func (c *Config) Validate() error {
	var errs []error
	s := c.Scheduler
	if s.MinInterval <= 0 {
		errs = append(errs, errors.New("min interval must be positive"))
	}
	if s.MaxInterval < s.MinInterval {
		errs = append(errs, fmt.Errorf("max interval %s is below min interval %s", s.MaxInterval, s.MinInterval))
	}
	if s.FailureGrace <= 0 {
		errs = append(errs, errors.New("failure grace must be positive"))
	}
	if s.IntervalStep <= 0 || s.IntervalStep >= 1 {
		errs = append(errs, fmt.Errorf("interval step %v must be in (0, 1)", s.IntervalStep))
	}
	if s.MaxEntries <= 0 {
		errs = append(errs, errors.New("max entries must be positive"))
	}
	if s.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}
	if c.Fetch.Retries < 1 {
		errs = append(errs, errors.New("fetch retries must be at least 1"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	return errors.Join(errs...)
}
