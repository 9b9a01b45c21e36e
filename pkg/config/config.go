package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/mem"
	"gopkg.in/yaml.v3"

	"github.com/KevoDB/s3kv/pkg/block"
	"github.com/KevoDB/s3kv/pkg/telemetry"
)

const CurrentConfigVersion = 1

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config file not found")
)

// Store backends
const (
	BackendS3     = "s3"
	BackendNATS   = "nats"
	BackendFS     = "fs"
	BackendMemory = "memory"
)

// Index persistence strategies
const (
	IndexObject = "object"
	IndexScan   = "scan"
	IndexBadger = "badger"
	IndexMemory = "memory"
)

type Config struct {
	Version int `json:"version" yaml:"version"`

	// Object store
	StoreBackend string        `json:"store_backend" yaml:"store_backend"`
	Bucket       string        `json:"bucket" yaml:"bucket"`
	Region       string        `json:"region" yaml:"region"`
	Endpoint     string        `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool          `json:"use_path_style" yaml:"use_path_style"`
	Prefix       string        `json:"prefix" yaml:"prefix"`
	NATSURL      string        `json:"nats_url" yaml:"nats_url"`
	FSRoot       string        `json:"fs_root" yaml:"fs_root"`
	RequestRate  float64       `json:"request_rate" yaml:"request_rate"` // requests per second, 0 is unlimited
	RequestBurst int           `json:"request_burst" yaml:"request_burst"`
	StoreMetrics bool          `json:"store_metrics" yaml:"store_metrics"`
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`

	// Blocks
	BlockSize  int64  `json:"block_size" yaml:"block_size"`
	BlockCodec string `json:"block_codec" yaml:"block_codec"`

	// Cache; a non-zero memory fraction takes precedence over the capacity
	CacheCapacity       int64   `json:"cache_capacity" yaml:"cache_capacity"`
	CacheMemoryFraction float64 `json:"cache_memory_fraction" yaml:"cache_memory_fraction"`

	// Index
	IndexStrategy        string  `json:"index_strategy" yaml:"index_strategy"`
	IndexKey             string  `json:"index_key" yaml:"index_key"`
	IndexRewriteFraction float64 `json:"index_rewrite_fraction" yaml:"index_rewrite_fraction"`
	BadgerDir            string  `json:"badger_dir" yaml:"badger_dir"`
	ScanConcurrency      int     `json:"scan_concurrency" yaml:"scan_concurrency"`

	// Retry of unavailable store reads; zero retries disables it
	MaxRetries           int           `json:"max_retries" yaml:"max_retries"`
	RetryInitialInterval time.Duration `json:"retry_initial_interval" yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `json:"retry_max_interval" yaml:"retry_max_interval"`

	LogLevel  string           `json:"log_level" yaml:"log_level"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values. dataDir
// roots the filesystem store and the badger index.
func NewDefaultConfig(dataDir string) *Config {
	return &Config{
		Version: CurrentConfigVersion,

		StoreBackend: BackendFS,
		Region:       "us-east-1",
		FSRoot:       filepath.Join(dataDir, "objects"),
		RequestBurst: 1,
		FetchTimeout: 30 * time.Second,

		BlockSize:  block.DefaultBlockSize,
		BlockCodec: block.DefaultCodec.String(),

		CacheCapacity: 0,

		IndexStrategy:        IndexObject,
		IndexRewriteFraction: 0.125,
		BadgerDir:            filepath.Join(dataDir, "index"),
		ScanConcurrency:      16,

		MaxRetries:           0,
		RetryInitialInterval: 50 * time.Millisecond,
		RetryMaxInterval:     2 * time.Second,

		LogLevel:  "info",
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	switch c.StoreBackend {
	case BackendS3:
		if c.Bucket == "" {
			return fmt.Errorf("%w: s3 backend requires a bucket", ErrInvalidConfig)
		}
	case BackendNATS:
		if c.Bucket == "" || c.NATSURL == "" {
			return fmt.Errorf("%w: nats backend requires a url and a bucket", ErrInvalidConfig)
		}
	case BackendFS:
		if c.FSRoot == "" {
			return fmt.Errorf("%w: fs backend requires a root directory", ErrInvalidConfig)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.StoreBackend)
	}

	if c.RequestRate < 0 {
		return fmt.Errorf("%w: request rate must not be negative", ErrInvalidConfig)
	}

	if c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch timeout must be positive", ErrInvalidConfig)
	}

	if c.BlockSize <= 0 || c.BlockSize > block.MaxBlockSize {
		return fmt.Errorf("%w: block size must be in (0, %d]", ErrInvalidConfig, int64(block.MaxBlockSize))
	}

	if _, err := block.ParseCodec(c.BlockCodec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.CacheCapacity < 0 {
		return fmt.Errorf("%w: cache capacity must not be negative", ErrInvalidConfig)
	}

	if c.CacheMemoryFraction < 0 || c.CacheMemoryFraction > 1 {
		return fmt.Errorf("%w: cache memory fraction must be between 0 and 1", ErrInvalidConfig)
	}

	switch c.IndexStrategy {
	case IndexObject, IndexScan, IndexMemory:
	case IndexBadger:
		if c.BadgerDir == "" {
			return fmt.Errorf("%w: badger index requires a directory", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown index strategy %q", ErrInvalidConfig, c.IndexStrategy)
	}

	if c.IndexRewriteFraction < 0 {
		return fmt.Errorf("%w: index rewrite fraction must not be negative", ErrInvalidConfig)
	}

	if c.IndexStrategy == IndexScan && c.ScanConcurrency <= 0 {
		return fmt.Errorf("%w: scan concurrency must be positive", ErrInvalidConfig)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}

	if c.MaxRetries > 0 && (c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval) {
		return fmt.Errorf("%w: retry intervals must be positive and ordered", ErrInvalidConfig)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// Codec returns the parsed block codec
func (c *Config) Codec() block.Codec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	codec, err := block.ParseCodec(c.BlockCodec)
	if err != nil {
		return block.DefaultCodec
	}
	return codec
}

// ResolveCacheCapacity returns the cache byte budget, deriving it from the
// currently available memory when a memory fraction is set
func (c *Config) ResolveCacheCapacity() (int64, error) {
	c.mu.RLock()
	fraction, capacity := c.CacheMemoryFraction, c.CacheCapacity
	c.mu.RUnlock()

	if fraction <= 0 {
		return capacity, nil
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read memory statistics: %w", err)
	}
	return int64(float64(vm.Available) * fraction), nil
}

// LoadConfig reads a JSON or YAML config file, chosen by extension, over the
// defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig(filepath.Dir(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overrides fields from S3KV_* environment variables. Values that
// fail to parse are reported together.
func (c *Config) LoadFromEnv() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	parse := func(name string, fn func(string) error) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if err := fn(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	str("S3KV_STORE_BACKEND", &c.StoreBackend)
	str("S3KV_BUCKET", &c.Bucket)
	str("S3KV_REGION", &c.Region)
	str("S3KV_ENDPOINT", &c.Endpoint)
	str("S3KV_PREFIX", &c.Prefix)
	str("S3KV_NATS_URL", &c.NATSURL)
	str("S3KV_FS_ROOT", &c.FSRoot)
	str("S3KV_BLOCK_CODEC", &c.BlockCodec)
	str("S3KV_INDEX_STRATEGY", &c.IndexStrategy)
	str("S3KV_BADGER_DIR", &c.BadgerDir)
	str("S3KV_LOG_LEVEL", &c.LogLevel)

	parse("S3KV_USE_PATH_STYLE", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			c.UsePathStyle = b
		}
		return err
	})
	parse("S3KV_REQUEST_RATE", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			c.RequestRate = f
		}
		return err
	})
	parse("S3KV_INDEX_REWRITE_FRACTION", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			c.IndexRewriteFraction = f
		}
		return err
	})
	parse("S3KV_FETCH_TIMEOUT", func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil {
			c.FetchTimeout = d
		}
		return err
	})
	parse("S3KV_BLOCK_SIZE", func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			c.BlockSize = n
		}
		return err
	})
	parse("S3KV_CACHE_CAPACITY", func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			c.CacheCapacity = n
		}
		return err
	})
	parse("S3KV_CACHE_MEMORY_FRACTION", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			c.CacheMemoryFraction = f
		}
		return err
	})
	parse("S3KV_MAX_RETRIES", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.MaxRetries = n
		}
		return err
	})

	c.Telemetry.LoadFromEnv()

	return errors.Join(errs...)
}

// Save writes the configuration as JSON or YAML, by extension, replacing the
// file atomically
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
