package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/antivirus"
	"github.com/tendant/simple-media/pkg/simplemedia/dedupe"
	"github.com/tendant/simple-media/pkg/simplemedia/imaging"
	"github.com/tendant/simple-media/pkg/simplemedia/metrics"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
	"github.com/tendant/simple-media/pkg/simplemedia/reaper"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	repopg "github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
	fsstorage "github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	s3storage "github.com/tendant/simple-media/pkg/simplemedia/storage/s3"
	"github.com/tendant/simple-media/pkg/simplemedia/thumbnail"
	"github.com/tendant/simple-media/pkg/simplemedia/upload"
)

// Runtime holds every component built from a Config.
type Runtime struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool // nil when records are kept in memory
	Repository simplemedia.Repository
	Drivers    *simplemedia.Drivers
	Quarantine simplemedia.LocalDriver
	Observer   simplemedia.Observer
	Events     simplemedia.EventSink
	Waiter     *dedupe.Waiter
	Pipeline   *upload.Pipeline
	Reaper     *reaper.Reaper
	Thumbnails *thumbnail.Cache
	Signer     *presigned.Signer
}

// Close releases the database pool.
func (r *Runtime) Close() {
	if r.Pool != nil {
		r.Pool.Close()
	}
}

// ThumbnailConfig converts the thumbnail settings for thumbnail.Cache.
func (c *Config) ThumbnailConfig() thumbnail.Config {
	variants := make(map[string]int, len(c.Thumbnail.Variants))
	for k, v := range c.Thumbnail.Variants {
		variants[k] = v
	}
	return thumbnail.Config{
		Variants:         variants,
		Format:           c.Thumbnail.Format,
		Quality:          c.Thumbnail.Quality,
		MaxPixels:        c.Thumbnail.MaxPixels,
		AlgorithmVersion: c.Thumbnail.AlgorithmVersion,
		CachePrefix:      c.Thumbnail.CachePrefix,
		Backend:          c.Thumbnail.Backend,
		Deadline:         c.Thumbnail.Deadline,
	}
}

// UploadPolicy converts the upload settings for upload.Pipeline.
func (c *Config) UploadPolicy() upload.Policy {
	allowed := make(map[string]int64, len(c.Upload.AllowedMimes))
	for k, v := range c.Upload.AllowedMimes {
		allowed[k] = v
	}
	return upload.Policy{
		MaxBytes:     c.Upload.MaxBytes,
		AllowedMimes: allowed,
		ScanEnabled:  c.Upload.ScanCommand != "",
		Backend:      c.Storage.Backend,
	}
}

// DedupePolicy converts the dedupe settings for dedupe.Waiter.
func (c *Config) DedupePolicy() dedupe.Policy {
	return dedupe.Policy{
		Timeout:        c.Dedupe.Timeout,
		InitialBackoff: c.Dedupe.InitialBackoff,
		MaxBackoff:     c.Dedupe.MaxBackoff,
	}
}

// Build wires the configuration into a Runtime. Metrics are registered
// with reg; a nil reg disables them. The caller must Close the Runtime.
func (c *Config) Build(ctx context.Context, logger *slog.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		Config:   c,
		Logger:   logger,
		Observer: simplemedia.NoopObserver{},
		Events:   simplemedia.LogEventSink{Logger: logger},
	}

	if reg != nil {
		obs, err := metrics.NewPrometheusObserver(c.MetricsNamespace, reg)
		if err != nil {
			return nil, err
		}
		rt.Observer = obs
	}

	if err := c.buildRepository(ctx, rt); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	if err := c.buildDrivers(rt); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build storage: %w", err)
	}

	var keys objectkey.Generator = objectkey.NewGitLikeGenerator(c.Storage.KeyPrefix)
	if c.Storage.KeyLayout == "flat" {
		keys = objectkey.NewFlatGenerator(c.Storage.KeyPrefix)
	}

	var scanner simplemedia.Scanner = simplemedia.NoopScanner{}
	if c.Upload.ScanCommand != "" {
		cmd := antivirus.NewClamdscan(c.Upload.ScanTimeout)
		cmd.Path = c.Upload.ScanCommand
		scanner = cmd
	}

	rt.Waiter = dedupe.New(rt.Repository, dedupe.WithPolicy(c.DedupePolicy()))
	rt.Pipeline = upload.New(rt.Quarantine, rt.Drivers, rt.Repository,
		upload.WithPolicy(c.UploadPolicy()),
		upload.WithScanner(scanner),
		upload.WithWaiter(rt.Waiter),
		upload.WithKeyGenerator(keys),
		upload.WithObserver(rt.Observer),
		upload.WithEventSink(rt.Events),
		upload.WithLogger(logger),
	)
	rt.Reaper = reaper.New(rt.Repository, rt.Quarantine, rt.Drivers,
		reaper.WithObserver(rt.Observer),
		reaper.WithEventSink(rt.Events),
		reaper.WithLogger(logger),
	)
	rt.Thumbnails = thumbnail.New(rt.Drivers, imaging.New(logger),
		thumbnail.WithObserver(rt.Observer),
		thumbnail.WithLogger(logger),
	)
	rt.Signer = presigned.New(
		presigned.WithSecretKey(c.Signing.SecretKey),
		presigned.WithDefaultExpiration(c.Signing.DefaultExpiration),
		presigned.WithLogger(logger),
	)

	logger.Info("media runtime ready",
		"environment", c.Environment,
		"postgres", c.Database.IsPostgres(),
		"backend", c.Storage.Backend,
		"backends", rt.Drivers.Names(),
		"scan_enabled", c.Upload.ScanCommand != "",
		"signing_enabled", rt.Signer.IsEnabled())
	return rt, nil
}

func (c *Config) buildRepository(ctx context.Context, rt *Runtime) error {
	if !c.Database.IsPostgres() {
		rt.Repository = memory.New()
		return nil
	}
	pool, err := NewPool(ctx, c.Database.URL, c.Database.Schema)
	if err != nil {
		return err
	}
	rt.Pool = pool
	if c.Database.AutoMigrate {
		if err := repopg.Migrate(ctx, pool); err != nil {
			return err
		}
		rt.Logger.Info("database migrations applied", "schema", c.Database.Schema)
	}
	rt.Repository = repopg.NewWithPool(pool)
	return nil
}

// NewPool opens a pgx pool that sets search_path to schema on every
// connection and verifies connectivity.
func NewPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if schema != "" {
		searchPath := "SET search_path TO " + pgx.Identifier{schema}.Sanitize()
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, searchPath)
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

func (c *Config) buildDrivers(rt *Runtime) error {
	rt.Drivers = simplemedia.NewDrivers()

	quarantine, err := fsstorage.New(fsstorage.Config{Name: "quarantine", BaseDir: c.Storage.QuarantineDir})
	if err != nil {
		return fmt.Errorf("quarantine: %w", err)
	}
	rt.Quarantine = simplemedia.ObserveDriver("quarantine", quarantine, rt.Observer).(simplemedia.LocalDriver)

	if c.Storage.FSBaseDir != "" {
		d, err := fsstorage.New(fsstorage.Config{Name: "fs", BaseDir: c.Storage.FSBaseDir})
		if err != nil {
			return fmt.Errorf("fs: %w", err)
		}
		rt.Drivers.Register("fs", simplemedia.ObserveDriver("fs", d, rt.Observer))
	}
	if s := c.Storage.S3; s.Bucket != "" {
		d, err := s3storage.New(s.driverConfig())
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		rt.Drivers.Register("s3", simplemedia.ObserveDriver("s3", d, rt.Observer))
	}
	if c.Storage.Backend == "memory" {
		rt.Drivers.Register("memory", simplemedia.ObserveDriver("memory", memorystorage.New("memory"), rt.Observer))
	}

	if _, err := rt.Drivers.Get(c.Storage.Backend); err != nil {
		return err
	}
	if b := c.Thumbnail.Backend; b != "" {
		if _, err := rt.Drivers.Get(b); err != nil {
			return fmt.Errorf("thumbnail backend: %w", err)
		}
	}
	return nil
}

func (s S3Config) driverConfig() s3storage.Config {
	return s3storage.Config{
		Name:            "s3",
		Region:          s.Region,
		Bucket:          s.Bucket,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		SessionToken:    s.SessionToken,
		Endpoint:        s.Endpoint,
		UsePathStyle:    s.UsePathStyle,
		SkipTLSVerify:   s.SkipTLSVerify,
		Timeout:         s.Timeout,
	}
}
