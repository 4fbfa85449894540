package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genlog/genlog/pkg/errors"
	"github.com/genlog/genlog/pkg/types"
)

func TestDefaultConfigurationIsValid(t *testing.T) {
	cfg := DefaultConfiguration()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 16, cfg.Log.Shards)
	assert.Equal(t, types.BackingFIFO, cfg.DefaultBackingType())
	assert.Equal(t, 10*time.Second, cfg.Log.NotifyTimeout)
}

func TestLoadConfigurationFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genlog.yaml")
	content := `
global:
  log_level: debug
store:
  backend: redis
  redis:
    addr: redis.example:6380
    db: 2
log:
  metadata_object: prod_log.generations_metadata
  shards: 64
  default_backing: omap
  max_retries: 5
  notify_timeout: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis.example:6380", cfg.Store.Redis.Addr)
	assert.Equal(t, 2, cfg.Store.Redis.DB)
	assert.Equal(t, "prod_log.generations_metadata", cfg.Log.MetadataObject)
	assert.Equal(t, 64, cfg.Log.Shards)
	assert.Equal(t, types.BackingOMAP, cfg.DefaultBackingType())
	assert.Equal(t, 5, cfg.Log.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Log.NotifyTimeout)
}

func TestLoadConfigurationMissingFile(t *testing.T) {
	_, err := LoadConfiguration("/does/not/exist.yaml")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigLoad))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GENLOG_LOG_LEVEL", "warn")
	t.Setenv("GENLOG_STORE_BACKEND", "redis")
	t.Setenv("GENLOG_REDIS_ADDR", "envhost:6379")
	t.Setenv("GENLOG_SHARDS", "8")
	t.Setenv("GENLOG_DEFAULT_BACKING", "omap")

	cfg, err := LoadConfiguration("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Global.LogLevel)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "envhost:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 8, cfg.Log.Shards)
	assert.Equal(t, types.BackingOMAP, cfg.DefaultBackingType())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"unknown backend", func(c *Configuration) { c.Store.Backend = "tape" }},
		{"redis without addr", func(c *Configuration) {
			c.Store.Backend = "redis"
			c.Store.Redis.Addr = ""
		}},
		{"s3 without bucket", func(c *Configuration) { c.Store.Backend = "s3" }},
		{"zero shards", func(c *Configuration) { c.Log.Shards = 0 }},
		{"missing metadata object", func(c *Configuration) { c.Log.MetadataObject = "" }},
		{"bad backing", func(c *Configuration) { c.Log.DefaultBacking = "tape" }},
		{"zero retries", func(c *Configuration) { c.Log.MaxRetries = 0 }},
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfiguration()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
		})
	}
}

func TestShardOID(t *testing.T) {
	cfg := DefaultConfiguration()
	assert.Equal(t, "data_log.5", cfg.ShardOID(0, 5))
	assert.Equal(t, "data_log.G3.7", cfg.ShardOID(3, 7))
}
