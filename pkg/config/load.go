package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TINYSYNC_"

// Config is the server configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Archive ArchiveConfig `yaml:"archive"`
	Tiering TieringConfig `yaml:"tiering"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port string `yaml:"port"`

	// APIKey is the shared key clients must send. Empty disables auth.
	APIKey string `yaml:"api_key"`

	// AllowedOrigins for browser WebSocket and CORS requests.
	// Same-origin requests are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	InMemory    bool   `yaml:"in_memory"`
	MaxMemoryMB int    `yaml:"max_memory_mb"`
}

type ArchiveConfig struct {
	// Backend is one of file, minio, s3
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	Codec   string      `yaml:"codec"`
	Minio   MinioConfig `yaml:"minio"`
	S3      S3Config    `yaml:"s3"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type TieringConfig struct {
	HotWindowDays int           `yaml:"hot_window_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Timezone      string        `yaml:"timezone"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json

	// File enables rotating file output in addition to stderr
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: DefaultPort},
		Storage: StorageConfig{
			Path:        DefaultDataDir,
			MaxMemoryMB: DefaultMaxMemoryMB,
		},
		Archive: ArchiveConfig{
			Backend: "file",
			Dir:     DefaultArchiveDir,
			Codec:   DefaultArchiveCodec,
		},
		Tiering: TieringConfig{
			HotWindowDays: DefaultHotWindowDays,
			SweepInterval: SweepInterval,
			Timezone:      "UTC",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration: defaults, then the yaml file at path (if
// any), then TINYSYNC_* environment variables. A .env file in the working
// directory is loaded first; it never overrides variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("PORT", &c.Server.Port)
	str("API_KEY", &c.Server.APIKey)
	str("DATA_DIR", &c.Storage.Path)
	str("ARCHIVE_BACKEND", &c.Archive.Backend)
	str("ARCHIVE_DIR", &c.Archive.Dir)
	str("ARCHIVE_CODEC", &c.Archive.Codec)
	str("MINIO_ENDPOINT", &c.Archive.Minio.Endpoint)
	str("MINIO_ACCESS_KEY", &c.Archive.Minio.AccessKey)
	str("MINIO_SECRET_KEY", &c.Archive.Minio.SecretKey)
	str("MINIO_BUCKET", &c.Archive.Minio.Bucket)
	str("S3_BUCKET", &c.Archive.S3.Bucket)
	str("S3_REGION", &c.Archive.S3.Region)
	str("S3_PREFIX", &c.Archive.S3.Prefix)
	str("S3_ENDPOINT", &c.Archive.S3.Endpoint)
	str("S3_ACCESS_KEY_ID", &c.Archive.S3.AccessKeyID)
	str("S3_SECRET_ACCESS_KEY", &c.Archive.S3.SecretAccessKey)
	str("TIMEZONE", &c.Tiering.Timezone)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	if v, ok := os.LookupEnv(EnvPrefix + "ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "IN_MEMORY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sIN_MEMORY: %w", EnvPrefix, err)
		}
		c.Storage.InMemory = b
	}
	if v, ok := os.LookupEnv(EnvPrefix + "MINIO_SSL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMINIO_SSL: %w", EnvPrefix, err)
		}
		c.Archive.Minio.UseSSL = b
	}
	if v, ok := os.LookupEnv(EnvPrefix + "HOT_WINDOW_DAYS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sHOT_WINDOW_DAYS: %w", EnvPrefix, err)
		}
		c.Tiering.HotWindowDays = n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "SWEEP_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSWEEP_INTERVAL: %w", EnvPrefix, err)
		}
		c.Tiering.SweepInterval = d
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Tiering.HotWindowDays < 1 {
		return fmt.Errorf("hot window must be at least 1 day, got %d", c.Tiering.HotWindowDays)
	}
	if c.Tiering.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Tiering.SweepInterval)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Archive.Codec {
	case "", "zstd", "snappy":
	default:
		return fmt.Errorf("unknown archive codec %q", c.Archive.Codec)
	}

	switch c.Archive.Backend {
	case "file":
		if c.Archive.Dir == "" {
			return errors.New("archive dir is required for the file backend")
		}
	case "minio":
		if c.Archive.Minio.Endpoint == "" || c.Archive.Minio.Bucket == "" {
			return errors.New("minio endpoint and bucket are required")
		}
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return errors.New("s3 bucket is required")
		}
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}

	if !c.Storage.InMemory && c.Storage.Path == "" {
		return errors.New("storage path is required unless in_memory is set")
	}
	return nil
}

// Location resolves the tiering timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Tiering.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Tiering.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Tiering.Timezone, err)
	}
	return loc, nil
}
