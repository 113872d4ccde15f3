// Package config loads service configuration from an optional YAML file,
// environment overrides, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	errInvalidTimeout   = errors.New("config: audit.timeout must be positive and at least audit.navigation_timeout")
	errInvalidWorkers   = errors.New("config: scheduler.workers must be 0-64")
	errInvalidCapacity  = errors.New("config: scheduler.queue_capacity must be positive")
	errInvalidLogFormat = errors.New("config: log.format must be text or json")
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Audit     AuditConfig     `yaml:"audit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig controls one audit run.
type AuditConfig struct {
	// Deadline spanning fetch, parse and detection.
	Timeout time.Duration `yaml:"timeout"`
	// Upper bound on navigation plus network-idle wait.
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	Headless          bool          `yaml:"headless"`
	NoSandbox         bool          `yaml:"no_sandbox"`
	RespectRobots     bool          `yaml:"respect_robots"`
	// Cap on the robots.txt Crawl-delay honoured per host.
	MaxCrawlDelay time.Duration `yaml:"max_crawl_delay"`
}

// SchedulerConfig controls periodic re-audits.
type SchedulerConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	Interval      time.Duration `yaml:"interval"`
	// Audits dispatched per second across all workers.
	Rate       float64 `yaml:"rate"`
	LedgerPath string  `yaml:"ledger_path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server:   ServerConfig{ListenAddr: ":8080"},
		Database: DatabaseConfig{Path: "data/tagaudit.db"},
		Audit: AuditConfig{
			Timeout:           60 * time.Second,
			NavigationTimeout: 45 * time.Second,
			Headless:          true,
			NoSandbox:         true,
			MaxCrawlDelay:     5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers:       2,
			QueueCapacity: 500,
			Interval:      time.Minute,
			Rate:          1,
			LedgerPath:    "data/ledger.bloom",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Reads the YAML file at path (skipped when path is empty), applies
// TAGAUDIT_* environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Server.ListenAddr = getEnv("TAGAUDIT_LISTEN_ADDR", c.Server.ListenAddr)
	c.Database.Path = getEnv("TAGAUDIT_DB_PATH", c.Database.Path)
	c.Audit.Timeout = getEnvDuration("TAGAUDIT_AUDIT_TIMEOUT", c.Audit.Timeout)
	c.Audit.NavigationTimeout = getEnvDuration("TAGAUDIT_NAVIGATION_TIMEOUT", c.Audit.NavigationTimeout)
	c.Audit.Headless = getEnvBool("TAGAUDIT_HEADLESS", c.Audit.Headless)
	c.Audit.NoSandbox = getEnvBool("TAGAUDIT_NO_SANDBOX", c.Audit.NoSandbox)
	c.Audit.RespectRobots = getEnvBool("TAGAUDIT_RESPECT_ROBOTS", c.Audit.RespectRobots)
	c.Scheduler.Workers = getEnvInt("TAGAUDIT_SCAN_WORKERS", c.Scheduler.Workers)
	c.Scheduler.LedgerPath = getEnv("TAGAUDIT_LEDGER_PATH", c.Scheduler.LedgerPath)
	c.Log.Level = getEnv("TAGAUDIT_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("TAGAUDIT_LOG_FORMAT", c.Log.Format)
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Audit.Timeout <= 0 || c.Audit.NavigationTimeout <= 0 || c.Audit.NavigationTimeout > c.Audit.Timeout {
		return fmt.Errorf("%w: timeout=%s navigation_timeout=%s", errInvalidTimeout, c.Audit.Timeout, c.Audit.NavigationTimeout)
	}
	if c.Scheduler.Workers < 0 || c.Scheduler.Workers > 64 {
		return fmt.Errorf("%w: got %d", errInvalidWorkers, c.Scheduler.Workers)
	}
	if c.Scheduler.QueueCapacity <= 0 {
		return fmt.Errorf("%w: got %d", errInvalidCapacity, c.Scheduler.QueueCapacity)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: got %q", errInvalidLogFormat, c.Log.Format)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
