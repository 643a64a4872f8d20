package config

import (
	"fmt"
	"io"

	"github.com/ilyakaznacheev/cleanenv"
)

// WithEnv overrides fields from MEDIA_* environment variables. Unset
// variables leave the current value alone, so WithEnv composes with
// programmatic options in either order.
//
// Maps use comma separated key:value pairs, for example
//
//	MEDIA_THUMB_VARIANTS=sm:160,lg:1280
//	MEDIA_UPLOAD_ALLOWED_MIMES=image/png:10485760,image/jpeg:0
func WithEnv() Option {
	return func(c *Config) error {
		if err := cleanenv.ReadEnv(c); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		return nil
	}
}

// WithFile reads a YAML, JSON, TOML or .env file and then the environment.
func WithFile(path string) Option {
	return func(c *Config) error {
		if err := cleanenv.ReadConfig(path, c); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
}

// Usage writes the list of recognised environment variables to w.
func Usage(w io.Writer, header string) {
	var cfg Config
	cleanenv.FUsage(w, &cfg, &header)()
}
