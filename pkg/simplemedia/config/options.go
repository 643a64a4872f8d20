package config

import (
	"fmt"
	"time"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *Config) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithDatabase selects Postgres at url; "" or "memory" keeps records in memory.
func WithDatabase(url, schema string) Option {
	return func(c *Config) error {
		c.Database.URL = url
		c.Database.Schema = schema
		return nil
	}
}

// WithFilesystemStorage commits uploads under baseDir.
func WithFilesystemStorage(baseDir string) Option {
	return func(c *Config) error {
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		c.Storage.Backend = "fs"
		c.Storage.FSBaseDir = baseDir
		return nil
	}
}

// WithS3Storage commits uploads to an S3 bucket.
func WithS3Storage(s3 S3Config) Option {
	return func(c *Config) error {
		if s3.Bucket == "" {
			return fmt.Errorf("s3 bucket cannot be empty")
		}
		if s3.Region == "" {
			s3.Region = c.Storage.S3.Region
		}
		if s3.Timeout == 0 {
			s3.Timeout = c.Storage.S3.Timeout
		}
		c.Storage.Backend = "s3"
		c.Storage.S3 = s3
		return nil
	}
}

// WithMemoryStorage keeps committed bytes in memory. Intended for tests.
func WithMemoryStorage() Option {
	return func(c *Config) error {
		c.Storage.Backend = "memory"
		return nil
	}
}

// WithQuarantineDir sets the local staging directory.
func WithQuarantineDir(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return fmt.Errorf("quarantine directory cannot be empty")
		}
		c.Storage.QuarantineDir = dir
		return nil
	}
}

// WithUploadLimits replaces the global ceiling and the MIME allowlist.
func WithUploadLimits(maxBytes int64, allowed map[string]int64) Option {
	return func(c *Config) error {
		c.Upload.MaxBytes = maxBytes
		c.Upload.AllowedMimes = allowed
		return nil
	}
}

// WithScanCommand enables scanning with a clamdscan-compatible command.
func WithScanCommand(path string, timeout time.Duration) Option {
	return func(c *Config) error {
		c.Upload.ScanCommand = path
		if timeout > 0 {
			c.Upload.ScanTimeout = timeout
		}
		return nil
	}
}

// WithSigningSecret sets the HMAC secret for capability URLs.
func WithSigningSecret(secret string) Option {
	return func(c *Config) error {
		c.Signing.SecretKey = secret
		return nil
	}
}

// WithThumbnails replaces the thumbnail settings.
func WithThumbnails(t ThumbnailConfig) Option {
	return func(c *Config) error {
		c.Thumbnail = t
		return nil
	}
}

// WithReaper sets the staleness threshold and schedule.
func WithReaper(staleAfter time.Duration, schedule string) Option {
	return func(c *Config) error {
		c.Reaper.StaleAfter = staleAfter
		c.Reaper.Schedule = schedule
		return nil
	}
}
