package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, backendDisk, cfg.Backend)
	assert.NotEmpty(t, cfg.CacheDir)
	assert.Equal(t, lockingFlock, cfg.Locking)
	assert.Equal(t, int64(1024), cfg.MemoSize)
	assert.Equal(t, 4, cfg.Serve.Concurrency)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: s3
log_level: warn
memo_size: 10
memo_ttl: 30s
s3:
  bucket: artifacts
  prefix: npm
  region: us-east-1
serve:
  concurrency: 8
`), 0o644))

	cfg, err := loadConfig(path, envMap(map[string]string{
		"CACHERESTORE_S3_PREFIX":         "npm-cache",
		"CACHERESTORE_DEBUG":             "true",
		"CACHERESTORE_SERVE_CONCURRENCY": "2",
	}))
	require.NoError(t, err)
	assert.Equal(t, backendS3, cfg.Backend)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, int64(10), cfg.MemoSize)
	assert.Equal(t, 30*time.Second, cfg.MemoTTL)
	assert.Equal(t, "artifacts", cfg.S3.Bucket)
	assert.Equal(t, "npm-cache", cfg.S3.Prefix)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 2, cfg.Serve.Concurrency)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "unknown backend", env: map[string]string{"CACHERESTORE_BACKEND": "ftp"}, want: `unknown backend "ftp"`},
		{name: "s3 without bucket", env: map[string]string{"CACHERESTORE_BACKEND": "s3"}, want: "s3.bucket is required"},
		{name: "redis without addr", env: map[string]string{"CACHERESTORE_BACKEND": "redis"}, want: "redis.addr is required"},
		{name: "bad concurrency", env: map[string]string{"CACHERESTORE_SERVE_CONCURRENCY": "0"}, want: "serve.concurrency must be >= 1"},
		{name: "unparsable int", env: map[string]string{"CACHERESTORE_REDIS_DB": "one"}, want: "CACHERESTORE_REDIS_DB"},
		{name: "unparsable bool", env: map[string]string{"CACHERESTORE_DEBUG": "maybe"}, want: "CACHERESTORE_DEBUG"},
		{name: "unknown locking", env: map[string]string{"CACHERESTORE_LOCKING": "maybe"}, want: `unknown locking "maybe"`},
		{name: "negative memo", env: map[string]string{"CACHERESTORE_MEMO_SIZE": "-1"}, want: "memo_size must be >= 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig("", envMap(tt.env))
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil))
	assert.ErrorContains(t, err, "read config")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := defaultConfig()
	cfg.LogFormat = "json"
	cfg.LogLevel = "WARN"

	logger, err := newLogger(&buf, cfg)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	cfg.Debug = true
	logger, err = newLogger(&buf, cfg)
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	cfg.LogFormat = "xml"
	_, err = newLogger(&buf, cfg)
	assert.Error(t, err)

	cfg.LogFormat = "json"
	cfg.LogLevel = "loud"
	_, err = newLogger(&buf, cfg)
	assert.Error(t, err)
}
