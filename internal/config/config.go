package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// StoreConfig selects and parameterizes the object-store backend
type StoreConfig struct {
	// Backend is one of "memory", "redis", "s3".
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
	S3      S3Config    `yaml:"s3"`
}

// RedisConfig represents Redis backend settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// S3Config represents S3 backend settings
type S3Config struct {
	Bucket         string        `yaml:"bucket"`
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	Prefix         string        `yaml:"prefix"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// LogConfig represents the coordinated log settings
type LogConfig struct {
	// MetadataObject is the well-known metadata object name.
	MetadataObject string `yaml:"metadata_object"`
	// Shards is the shard count of every generation.
	Shards int `yaml:"shards"`
	// DefaultBacking is "fifo" or "omap".
	DefaultBacking string `yaml:"default_backing"`
	// OIDPrefix parameterizes the default shard naming scheme.
	OIDPrefix string `yaml:"oid_prefix"`
	// MaxRetries bounds the CAS retry loops.
	MaxRetries int `yaml:"max_retries"`
	// NotifyTimeout is the notify reply budget.
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// MetricsConfig represents metrics exposition settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DefaultConfiguration returns the configuration used when no file is given.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "info",
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			S3: S3Config{
				Region:       "us-east-1",
				Prefix:       "genlog",
				PollInterval: 5 * time.Second,
			},
		},
		Log: LogConfig{
			MetadataObject: "data_log.generations_metadata",
			Shards:         16,
			DefaultBacking: "fifo",
			OIDPrefix:      "data_log",
			MaxRetries:     10,
			NotifyTimeout:  10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9464,
		},
	}
}

// LoadConfiguration reads a yaml configuration file, applies environment
// overrides, validates, and returns the result. An empty path yields the
// defaults with environment overrides applied.
func LoadConfiguration(path string) (*Configuration, error) {
	cfg := DefaultConfiguration()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeConfigLoad,
				"failed to read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeConfigLoad,
				"failed to parse config file %s", path)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Configuration) {
	if v := os.Getenv("GENLOG_LOG_LEVEL"); v != "" {
		cfg.Global.LogLevel = v
	}
	if v := os.Getenv("GENLOG_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("GENLOG_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("GENLOG_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("GENLOG_S3_BUCKET"); v != "" {
		cfg.Store.S3.Bucket = v
	}
	if v := os.Getenv("GENLOG_S3_REGION"); v != "" {
		cfg.Store.S3.Region = v
	}
	if v := os.Getenv("GENLOG_S3_ENDPOINT"); v != "" {
		cfg.Store.S3.Endpoint = v
	}
	if v := os.Getenv("GENLOG_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Log.Shards = n
		}
	}
	if v := os.Getenv("GENLOG_DEFAULT_BACKING"); v != "" {
		cfg.Log.DefaultBacking = v
	}
}

// Validate checks the configuration for consistency.
func (c *Configuration) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "s3":
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "redis backend requires an address")
	}
	if c.Store.Backend == "s3" && c.Store.S3.Bucket == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "s3 backend requires a bucket")
	}
	if c.Log.Shards <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"shard count must be positive, got %d", c.Log.Shards)
	}
	if c.Log.MetadataObject == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "metadata object name is required")
	}
	if _, err := types.ParseBackingType(c.Log.DefaultBacking); err != nil {
		return errors.Wrapf(err, errors.ErrCodeInvalidConfig,
			"invalid default backing %q", c.Log.DefaultBacking)
	}
	if c.Log.MaxRetries <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"max retries must be positive, got %d", c.Log.MaxRetries)
	}
	switch c.Global.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"unknown log level %q", c.Global.LogLevel)
	}
	return nil
}

// DefaultBackingType returns the parsed default backing.
func (c *Configuration) DefaultBackingType() types.BackingType {
	bt, _ := types.ParseBackingType(c.Log.DefaultBacking)
	return bt
}

// ShardOID is the default shard naming scheme:
// <prefix>.G<generation>.<shard>, with generation 0 omitting the generation
// component so existing deployments keep their object names.
func (c *Configuration) ShardOID(gen uint64, shard int) string {
	if gen == 0 {
		return fmt.Sprintf("%s.%d", c.Log.OIDPrefix, shard)
	}
	return fmt.Sprintf("%s.G%d.%d", c.Log.OIDPrefix, gen, shard)
}
