package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	v "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"

	"github.com/chronosphereio/thumbcache/pkg/locking"
)

// Remote mirror kinds.
const (
	RemoteNone = "none"
	RemoteDir  = "dir"
	RemoteS3   = "s3"
)

// RemoteConfig selects an optional shared thumbnail mirror.
type RemoteConfig struct {
	Kind     string `yaml:"kind"`
	Dir      string `yaml:"dir,omitempty"`
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

func (r RemoteConfig) Validate() error {
	return v.ValidateStruct(&r,
		v.Field(&r.Kind, v.Required, v.In(RemoteNone, RemoteDir, RemoteS3)),
		v.Field(&r.Dir, v.When(r.Kind == RemoteDir, v.Required)),
		v.Field(&r.Bucket, v.When(r.Kind == RemoteS3, v.Required)),
		v.Field(&r.Endpoint, is.URL),
	)
}

// Config is the thumbcache configuration.
type Config struct {
	CacheDir     string       `yaml:"cache_dir"`
	Size         string       `yaml:"size"`
	AppName      string       `yaml:"app_name"`
	AppVersion   string       `yaml:"app_version"`
	Workers      int          `yaml:"workers"`
	FallbackIcon string       `yaml:"fallback_icon"`
	Locking      string       `yaml:"locking"`
	LockDir      string       `yaml:"lock_dir,omitempty"`
	LogLevel     string       `yaml:"log_level"`
	Remote       RemoteConfig `yaml:"remote"`
}

// DefaultConfig returns a Config with sensible defaults. Workers 0 means
// one less than the CPU count.
func DefaultConfig() *Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = filepath.Join(os.TempDir(), "thumbcache-cache")
	}
	return &Config{
		CacheDir:     cacheDir,
		Size:         "large",
		AppName:      "thumbcache",
		AppVersion:   "0.1.0",
		Workers:      0,
		FallbackIcon: "image-missing",
		Locking:      string(locking.ModeNone),
		LogLevel:     "info",
		Remote: RemoteConfig{
			Kind: RemoteNone,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("THUMBCACHE_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("THUMBCACHE_SIZE"); v != "" {
		cfg.Size = v
	}
	if v := os.Getenv("THUMBCACHE_APP_NAME"); v != "" {
		cfg.AppName = v
	}
	if v := os.Getenv("THUMBCACHE_APP_VERSION"); v != "" {
		cfg.AppVersion = v
	}
	if v := os.Getenv("THUMBCACHE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid THUMBCACHE_WORKERS %q: %w", v, err)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("THUMBCACHE_FALLBACK_ICON"); v != "" {
		cfg.FallbackIcon = v
	}
	if v := os.Getenv("THUMBCACHE_LOCKING"); v != "" {
		cfg.Locking = v
	}
	if v := os.Getenv("THUMBCACHE_LOCK_DIR"); v != "" {
		cfg.LockDir = v
	}
	if v := os.Getenv("THUMBCACHE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("THUMBCACHE_REMOTE"); v != "" {
		cfg.Remote.Kind = v
	}
	if v := os.Getenv("THUMBCACHE_REMOTE_DIR"); v != "" {
		cfg.Remote.Dir = v
	}
	if v := os.Getenv("THUMBCACHE_S3_BUCKET"); v != "" {
		cfg.Remote.Bucket = v
	}
	if v := os.Getenv("THUMBCACHE_S3_PREFIX"); v != "" {
		cfg.Remote.Prefix = v
	}
	if v := os.Getenv("THUMBCACHE_S3_REGION"); v != "" {
		cfg.Remote.Region = v
	}
	if v := os.Getenv("THUMBCACHE_S3_ENDPOINT"); v != "" {
		cfg.Remote.Endpoint = v
	}
	return nil
}

// Load builds the effective configuration: defaults, then path if it is
// not empty, then environment overrides, then overrides in order. Only the
// final result is validated.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	return v.ValidateStruct(&c,
		v.Field(&c.CacheDir, v.Required),
		v.Field(&c.Size, v.Required, v.In("normal", "large")),
		v.Field(&c.AppName, v.Required, v.By(noSeparator)),
		v.Field(&c.AppVersion, v.Required, v.By(noSeparator)),
		v.Field(&c.Workers, v.Min(0)),
		v.Field(&c.Locking, v.Required, v.In(
			string(locking.ModeNone),
			string(locking.ModeMemory),
			string(locking.ModeSingleflight),
			string(locking.ModeFlock),
		)),
		v.Field(&c.LogLevel, v.In("debug", "info", "warn", "error")),
		v.Field(&c.Remote),
	)
}

// The fail marker directory is named <app>-<version>; neither part may
// introduce another path element.
func noSeparator(value interface{}) error {
	s, _ := value.(string)
	if strings.ContainsAny(s, `/\`) || s == "." || s == ".." {
		return fmt.Errorf("must not contain path separators")
	}
	return nil
}
