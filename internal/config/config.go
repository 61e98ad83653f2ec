// Package config loads the server configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Klomgor/Maintainerr/internal/database"
	"github.com/Klomgor/Maintainerr/scheduler"
)

const (
	defaultTimezone = "UTC"
	configPathEnv   = "MAINTAINERR_CONFIG"
	databaseURLEnv  = "DATABASE_URL"
	databaseDrvEnv  = "DATABASE_DRIVER"
	portEnv         = "PORT"
	rulesCronEnv    = "RULES_CRON"
	catalogURLEnv   = "CATALOG_URL"
	actionsURLEnv   = "ACTIONS_URL"
	mediaAPIKeyEnv  = "MEDIA_API_KEY"
	logLevelEnv     = "LOG_LEVEL"
)

// Config holds every setting needed to start the server
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Media     MediaConfig     `yaml:"media"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DatabaseConfig selects the SQL backend. An empty URL with the sqlite
// driver uses a file in the working directory.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// SchedulerConfig sets the cadence used when none has been saved yet
type SchedulerConfig struct {
	DefaultCron string         `yaml:"defaultCron"`
	Timezone    string         `yaml:"timezone"`
	location    *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	return time.UTC
}

type ExecutorConfig struct {
	Workers          int           `yaml:"workers"`
	ActionTimeout    time.Duration `yaml:"actionTimeout"`
	ActionRetries    int           `yaml:"actionRetries"`
	RetryInterval    time.Duration `yaml:"retryInterval"`
	ActionsPerSecond float64       `yaml:"actionsPerSecond"`
}

// MediaConfig points at the library catalog and action services. The
// URLs and key seed the stored settings on first start; afterwards the
// settings API changes them. With DryRun set, actions are only logged.
type MediaConfig struct {
	CatalogURL string        `yaml:"catalogUrl"`
	ActionsURL string        `yaml:"actionsUrl"`
	APIKey     string        `yaml:"apiKey"`
	Timeout    time.Duration `yaml:"timeout"`
	DryRun     bool          `yaml:"dryRun"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":6246",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: string(database.SQLite),
			URL:    "maintainerr.db",
		},
		Scheduler: SchedulerConfig{
			DefaultCron: "0 0-23/8 * * *",
			Timezone:    defaultTimezone,
		},
		Executor: ExecutorConfig{
			Workers:          4,
			ActionTimeout:    30 * time.Second,
			ActionRetries:    2,
			RetryInterval:    500 * time.Millisecond,
			ActionsPerSecond: 10,
		},
		Media: MediaConfig{
			Timeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "INFO"},
	}
}

// Load reads the YAML file named by MAINTAINERR_CONFIG, if any, over the
// defaults and then applies environment overrides
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("cannot read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("cannot parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(databaseURLEnv); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv(databaseDrvEnv); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv(portEnv); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", portEnv, v, err)
		}
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv(rulesCronEnv); v != "" {
		c.Scheduler.DefaultCron = v
	}
	if v := os.Getenv(catalogURLEnv); v != "" {
		c.Media.CatalogURL = v
	}
	if v := os.Getenv(actionsURLEnv); v != "" {
		c.Media.ActionsURL = v
	}
	if v := os.Getenv(mediaAPIKeyEnv); v != "" {
		c.Media.APIKey = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Log.Level = v
	}
	return nil
}

func (c *Config) bindTimezone() error {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("unknown scheduler timezone %q: %w", tz, err)
	}
	c.Scheduler.location = loc
	return nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	driver, err := database.ParseDriver(c.Database.Driver)
	if err != nil {
		errs = append(errs, err)
	}
	if driver == database.Postgres && c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required for postgres"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server addr is required"))
	}
	if err := scheduler.Validate(c.Scheduler.DefaultCron); err != nil {
		errs = append(errs, fmt.Errorf("scheduler default cron: %w", err))
	}
	if c.Executor.Workers <= 0 {
		errs = append(errs, fmt.Errorf("executor workers must be positive, got %d", c.Executor.Workers))
	}
	if c.Executor.ActionTimeout <= 0 {
		errs = append(errs, errors.New("executor action timeout must be positive"))
	}
	if c.Executor.ActionRetries < 0 {
		errs = append(errs, errors.New("executor action retries cannot be negative"))
	}
	if c.Executor.ActionsPerSecond < 0 {
		errs = append(errs, errors.New("executor actions per second cannot be negative"))
	}
	return errors.Join(errs...)
}
