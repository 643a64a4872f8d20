// Package config loads simple-media settings and wires them into a
// ready-to-use Runtime.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Load constructs a Config by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		Port:          "8080",
		Environment:   "development",
		PublicBaseURL: "http://localhost:8080",
		Database: DatabaseConfig{
			Schema: "media",
		},
		Storage: StorageConfig{
			Backend:       "fs",
			FSBaseDir:     "./data/media",
			QuarantineDir: "./data/quarantine",
			KeyLayout:     "gitlike",
			KeyPrefix:     "media",
			S3: S3Config{
				Region:  "us-east-1",
				Timeout: 30 * time.Second,
			},
		},
		Upload: UploadConfig{
			MaxBytes: 25 << 20,
			AllowedMimes: map[string]int64{
				"image/jpeg":      10 << 20,
				"image/png":       10 << 20,
				"image/gif":       5 << 20,
				"image/webp":      10 << 20,
				"application/pdf": 0,
			},
			ScanTimeout: 30 * time.Second,
		},
		Dedupe: DedupeConfig{
			Timeout:        10 * time.Second,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		Thumbnail: ThumbnailConfig{
			Variants:         map[string]int{"sm": 160, "md": 480, "lg": 1280},
			Format:           "jpg",
			Quality:          82,
			MaxPixels:        40_000_000,
			AlgorithmVersion: 1,
			CachePrefix:      "thumbs",
			Deadline:         10 * time.Second,
		},
		Reaper: ReaperConfig{
			StaleAfter: time.Hour,
			Schedule:   "@every 15m",
		},
		Signing: SigningConfig{
			DefaultExpiration: time.Hour,
		},
		MetricsNamespace: "simplemedia",
	}
}

// Config is the complete simple-media configuration. Environment variable
// names are given by the env tags; see WithEnv.
type Config struct {
	Port          string `env:"MEDIA_PORT" env-description:"HTTP listen port"`
	Environment   string `env:"MEDIA_ENVIRONMENT" env-description:"development, production or testing"`
	PublicBaseURL string `env:"MEDIA_PUBLIC_BASE_URL" env-description:"Base URL used when building signed links"`

	Database  DatabaseConfig
	Storage   StorageConfig
	Upload    UploadConfig
	Dedupe    DedupeConfig
	Thumbnail ThumbnailConfig
	Reaper    ReaperConfig
	Signing   SigningConfig

	MetricsNamespace string `env:"MEDIA_METRICS_NAMESPACE" env-description:"Prometheus namespace"`
}

type DatabaseConfig struct {
	URL         string `env:"MEDIA_DATABASE_URL" env-description:"postgres:// URL; empty or 'memory' keeps records in memory"`
	Schema      string `env:"MEDIA_DB_SCHEMA" env-description:"Postgres search_path for every connection"`
	AutoMigrate bool   `env:"MEDIA_DB_AUTO_MIGRATE" env-description:"Apply embedded migrations at startup"`
}

// IsPostgres reports whether records live in Postgres.
func (c DatabaseConfig) IsPostgres() bool {
	return c.URL != "" && c.URL != "memory"
}

type StorageConfig struct {
	Backend       string `env:"MEDIA_STORAGE_BACKEND" env-description:"Backend receiving committed bytes: fs, s3 or memory"`
	FSBaseDir     string `env:"MEDIA_FS_BASE_DIR" env-description:"Root of the fs backend"`
	QuarantineDir string `env:"MEDIA_QUARANTINE_DIR" env-description:"Local directory for staged uploads"`
	KeyLayout     string `env:"MEDIA_KEY_LAYOUT" env-description:"Disk key layout: gitlike or flat"`
	KeyPrefix     string `env:"MEDIA_KEY_PREFIX" env-description:"Prefix for asset disk keys"`
	S3            S3Config
}

type S3Config struct {
	Bucket          string        `env:"MEDIA_S3_BUCKET" env-description:"Bucket; setting it registers the s3 backend"`
	Region          string        `env:"MEDIA_S3_REGION" env-description:"Signing region"`
	Endpoint        string        `env:"MEDIA_S3_ENDPOINT" env-description:"scheme://host of an S3-compatible service"`
	AccessKeyID     string        `env:"MEDIA_S3_ACCESS_KEY_ID" env-description:"Static access key; empty uses the AWS default chain"`
	SecretAccessKey string        `env:"MEDIA_S3_SECRET_ACCESS_KEY"`
	SessionToken    string        `env:"MEDIA_S3_SESSION_TOKEN"`
	UsePathStyle    bool          `env:"MEDIA_S3_USE_PATH_STYLE"`
	SkipTLSVerify   bool          `env:"MEDIA_S3_SKIP_TLS_VERIFY" env-description:"Accept self-signed endpoint certificates"`
	Timeout         time.Duration `env:"MEDIA_S3_TIMEOUT" env-description:"Per-request timeout"`
}

type UploadConfig struct {
	MaxBytes     int64            `env:"MEDIA_UPLOAD_MAX_BYTES" env-description:"Global upload size ceiling"`
	AllowedMimes map[string]int64 `env:"MEDIA_UPLOAD_ALLOWED_MIMES" env-description:"mime:ceiling pairs, comma separated; 0 means MaxBytes only"`
	ScanCommand  string           `env:"MEDIA_SCAN_COMMAND" env-description:"clamdscan-compatible scanner; empty disables scanning"`
	ScanTimeout  time.Duration    `env:"MEDIA_SCAN_TIMEOUT"`
}

type DedupeConfig struct {
	Timeout        time.Duration `env:"MEDIA_DEDUPE_TIMEOUT" env-description:"How long a duplicate waits for the first upload"`
	InitialBackoff time.Duration `env:"MEDIA_DEDUPE_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `env:"MEDIA_DEDUPE_MAX_BACKOFF"`
}

type ThumbnailConfig struct {
	Variants         map[string]int `env:"MEDIA_THUMB_VARIANTS" env-description:"name:max-width pairs, comma separated"`
	Format           string         `env:"MEDIA_THUMB_FORMAT" env-description:"jpg, png or gif"`
	Quality          int            `env:"MEDIA_THUMB_QUALITY"`
	MaxPixels        int64          `env:"MEDIA_THUMB_MAX_PIXELS"`
	AlgorithmVersion int            `env:"MEDIA_THUMB_VERSION" env-description:"Bump to invalidate every cached thumbnail"`
	CachePrefix      string         `env:"MEDIA_THUMB_PREFIX"`
	Backend          string         `env:"MEDIA_THUMB_BACKEND" env-description:"Cache backend; empty uses the asset's backend"`
	Deadline         time.Duration  `env:"MEDIA_THUMB_DEADLINE"`
}

type ReaperConfig struct {
	StaleAfter time.Duration `env:"MEDIA_REAPER_STALE_AFTER" env-description:"Age after which an unfinished upload is removed"`
	Schedule   string        `env:"MEDIA_REAPER_SCHEDULE" env-description:"cron spec for mediad; empty disables the schedule"`
}

type SigningConfig struct {
	SecretKey         string        `env:"MEDIA_SIGNING_SECRET" env-description:"HMAC secret for capability URLs"`
	DefaultExpiration time.Duration `env:"MEDIA_SIGNING_DEFAULT_EXPIRATION"`
}

var validFormats = map[string]bool{"jpg": true, "png": true, "gif": true}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if u := c.Database.URL; c.Database.IsPostgres() && !strings.HasPrefix(u, "postgres://") && !strings.HasPrefix(u, "postgresql://") {
		errs = append(errs, fmt.Errorf("unsupported database url %q (use 'memory' or 'postgres://...')", u))
	}

	switch c.Storage.Backend {
	case "fs":
		if c.Storage.FSBaseDir == "" {
			errs = append(errs, errors.New("fs backend requires a base directory"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 backend requires a bucket"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage backend must be fs, s3 or memory, got %q", c.Storage.Backend))
	}
	if c.Storage.QuarantineDir == "" {
		errs = append(errs, errors.New("quarantine directory is required"))
	}
	if c.Storage.KeyLayout != "gitlike" && c.Storage.KeyLayout != "flat" {
		errs = append(errs, fmt.Errorf("key layout must be gitlike or flat, got %q", c.Storage.KeyLayout))
	}

	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("upload max bytes must be positive"))
	}
	if c.Dedupe.Timeout <= 0 || c.Dedupe.InitialBackoff <= 0 || c.Dedupe.MaxBackoff < c.Dedupe.InitialBackoff {
		errs = append(errs, errors.New("dedupe timeout and backoff must be positive with max >= initial"))
	}

	t := c.Thumbnail
	if len(t.Variants) == 0 {
		errs = append(errs, errors.New("at least one thumbnail variant is required"))
	}
	for name, width := range t.Variants {
		if name == "" || width <= 0 {
			errs = append(errs, fmt.Errorf("invalid thumbnail variant %q=%d", name, width))
		}
	}
	if !validFormats[t.Format] {
		errs = append(errs, fmt.Errorf("thumbnail format must be jpg, png or gif, got %q", t.Format))
	}
	if t.Quality < 1 || t.Quality > 100 {
		errs = append(errs, fmt.Errorf("thumbnail quality must be within 1..100, got %d", t.Quality))
	}
	if t.MaxPixels <= 0 || t.AlgorithmVersion <= 0 {
		errs = append(errs, errors.New("thumbnail max pixels and version must be positive"))
	}

	if c.Reaper.StaleAfter <= 0 {
		errs = append(errs, errors.New("reaper stale-after must be positive"))
	}
	if c.Signing.SecretKey != "" && len(c.Signing.SecretKey) < 16 {
		errs = append(errs, errors.New("signing secret must be at least 16 bytes"))
	}

	return errors.Join(errs...)
}
