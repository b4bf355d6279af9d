package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultOutputDir is the base directory for run artifacts.
	DefaultOutputDir = "./outputs"

	// DefaultGracePeriod is how long a cancelled child gets to exit
	// before it is killed.
	DefaultGracePeriod = 5 * time.Second

	// DefaultClearTimeout bounds the impairment clear script.
	DefaultClearTimeout = 10 * time.Second

	// DefaultMinFreeDiskMB is the minimum free disk space required in the
	// output directory before a run may start.
	DefaultMinFreeDiskMB = 500

	// envPrefix is the prefix for environment variable overrides,
	// e.g. V2XBENCH_GLOBAL_LOG_LEVEL.
	envPrefix = "V2XBENCH"
)

// Config is the root configuration for v2xbench.
type Config struct {
	Global       GlobalConfig       `yaml:"global" mapstructure:"global"`
	Database     DatabaseConfig     `yaml:"database" mapstructure:"database"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Upload       *S3UploadConfig    `yaml:"upload,omitempty" mapstructure:"upload"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains database connection settings. The same database
// holds the run repository and the message records written by the external
// receivers.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// OrchestratorConfig contains experiment orchestration settings.
type OrchestratorConfig struct {
	// Script is the external experiment script, invoked as
	// `script <name> <duration_seconds> <profile>`.
	Script string `yaml:"script" mapstructure:"script"`

	// ClearScript resets kernel traffic shaping. It is run on every run
	// exit path, whatever the outcome.
	ClearScript string `yaml:"clear_script" mapstructure:"clear_script"`

	// OutputDir is the base directory under which each run gets its own
	// artifact directory.
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`

	// Profiles is the set of known impairment profiles.
	Profiles []string `yaml:"profiles,omitempty" mapstructure:"profiles"`

	// Protocols is the set of selectable transport protocols.
	Protocols []string `yaml:"protocols,omitempty" mapstructure:"protocols"`

	GracePeriod   time.Duration `yaml:"grace_period,omitempty" mapstructure:"grace_period"`
	ClearTimeout  time.Duration `yaml:"clear_timeout,omitempty" mapstructure:"clear_timeout"`
	MinFreeDiskMB uint64        `yaml:"min_free_disk_mb,omitempty" mapstructure:"min_free_disk_mb"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// S3UploadConfig contains settings for uploading run artifacts to
// S3-compatible storage.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// Load reads a configuration file and applies V2XBENCH_* environment
// variable overrides (e.g. V2XBENCH_GLOBAL_LOG_LEVEL=debug).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Orchestrator.OutputDir == "" {
		c.Orchestrator.OutputDir = DefaultOutputDir
	}

	if len(c.Orchestrator.Profiles) == 0 {
		c.Orchestrator.Profiles = []string{"normal", "moderate", "severe", "handoff"}
	}

	if len(c.Orchestrator.Protocols) == 0 {
		c.Orchestrator.Protocols = []string{"UDP", "TCP", "MQTT"}
	}

	if c.Orchestrator.GracePeriod == 0 {
		c.Orchestrator.GracePeriod = DefaultGracePeriod
	}

	if c.Orchestrator.ClearTimeout == 0 {
		c.Orchestrator.ClearTimeout = DefaultClearTimeout
	}

	if c.Orchestrator.MinFreeDiskMB == 0 {
		c.Orchestrator.MinFreeDiskMB = DefaultMinFreeDiskMB
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Orchestrator.Script == "" {
		return fmt.Errorf("orchestrator.script is required")
	}

	if c.Orchestrator.ClearScript == "" {
		return fmt.Errorf("orchestrator.clear_script is required")
	}

	if dir := filepath.Dir(c.Orchestrator.OutputDir); dir != "." && dir != ".." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("output directory parent %q does not exist", dir)
		}
	}

	if c.Upload != nil && c.Upload.Enabled && c.Upload.Bucket == "" {
		return fmt.Errorf("upload.bucket is required when upload is enabled")
	}

	return nil
}
