package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/richardartoul/cacherestore/backends"
)

// envPrefix prefixes every environment variable that overrides the config.
const envPrefix = "CACHERESTORE_"

// Backend names accepted in the config.
const (
	backendDisk  = "disk"
	backendS3    = "s3"
	backendRedis = "redis"
)

// Lock modes of the disk backend: flock serializes writers across
// processes, memory within this process only.
const (
	lockingFlock  = "flock"
	lockingMemory = "memory"
	lockingNone   = "none"
)

// Config is the on-disk configuration of the CLI.
type Config struct {
	Backend   string               `yaml:"backend"`
	CacheDir  string               `yaml:"cache_dir"`
	Locking   string               `yaml:"locking"`
	LogLevel  string               `yaml:"log_level"`
	LogFormat string               `yaml:"log_format"`
	Debug     bool                 `yaml:"debug"`
	MemoSize  int64                `yaml:"memo_size"`
	MemoTTL   time.Duration        `yaml:"memo_ttl"`
	S3        backends.S3Config    `yaml:"s3"`
	Redis     backends.RedisConfig `yaml:"redis"`
	Serve     ServeConfig          `yaml:"serve"`
}

// ServeConfig configures the serve command.
type ServeConfig struct {
	// Concurrency bounds how many restores run at once.
	Concurrency int `yaml:"concurrency"`
}

// defaultConfig returns the configuration used when no file is given.
func defaultConfig() Config {
	cacheDir := filepath.Join(os.TempDir(), "cacherestore")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "cacherestore")
	}
	return Config{
		Backend:   backendDisk,
		CacheDir:  cacheDir,
		Locking:   lockingFlock,
		LogLevel:  "info",
		LogFormat: "console",
		MemoSize:  1024,
		MemoTTL:   backends.DefaultMemoTTL,
		Serve:     ServeConfig{Concurrency: 4},
	}
}

// loadConfig reads the config file at path, if any, over the defaults and
// then applies environment overrides.
func loadConfig(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) error {
	strs := map[string]*string{
		"BACKEND":      &cfg.Backend,
		"CACHE_DIR":    &cfg.CacheDir,
		"LOCKING":      &cfg.Locking,
		"LOG_LEVEL":    &cfg.LogLevel,
		"LOG_FORMAT":   &cfg.LogFormat,
		"S3_BUCKET":    &cfg.S3.Bucket,
		"S3_PREFIX":    &cfg.S3.Prefix,
		"S3_REGION":    &cfg.S3.Region,
		"S3_ENDPOINT":  &cfg.S3.Endpoint,
		"REDIS_ADDR":   &cfg.Redis.Addr,
		"REDIS_PREFIX": &cfg.Redis.Prefix,
	}
	for name, dst := range strs {
		if v, ok := lookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REDIS_DB":          &cfg.Redis.DB,
		"SERVE_CONCURRENCY": &cfg.Serve.Concurrency,
	}
	for name, dst := range ints {
		if v, ok := lookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}

	if v, ok := lookupEnv(envPrefix + "MEMO_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMEMO_SIZE: %w", envPrefix, err)
		}
		cfg.MemoSize = n
	}
	if v, ok := lookupEnv(envPrefix + "MEMO_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sMEMO_TTL: %w", envPrefix, err)
		}
		cfg.MemoTTL = d
	}
	if v, ok := lookupEnv(envPrefix + "DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDEBUG: %w", envPrefix, err)
		}
		cfg.Debug = b
	}
	return nil
}

func (c Config) validate() error {
	switch c.Backend {
	case backendDisk:
		if c.CacheDir == "" {
			return errors.New("cache_dir is required for the disk backend")
		}
		switch c.Locking {
		case lockingFlock, lockingMemory, lockingNone:
		default:
			return fmt.Errorf("unknown locking %q (want flock, memory or none)", c.Locking)
		}
	case backendS3:
		if c.S3.Bucket == "" {
			return errors.New("s3.bucket is required for the s3 backend")
		}
	case backendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want disk, s3 or redis)", c.Backend)
	}
	if c.MemoSize < 0 {
		return fmt.Errorf("memo_size must be >= 0, got %d", c.MemoSize)
	}
	if c.Serve.Concurrency < 1 {
		return fmt.Errorf("serve.concurrency must be >= 1, got %d", c.Serve.Concurrency)
	}
	return nil
}

// newLogger builds the CLI logger writing to w. Debug forces the debug
// level.
func newLogger(w io.Writer, cfg Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log_level: %w", err)
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	switch cfg.LogFormat {
	case "json":
	case "console", "":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log_format %q (want console or json)", cfg.LogFormat)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
