// Package thumbnail derives and caches resized variants of image assets.
//
// Cache keys embed the content hash, the variant name and the algorithm
// version, so an existing key is always correct and bumping the version
// invalidates the whole cache without a sweep. Variants that cannot be
// produced get a ".reason" sidecar so later syncs do not retry the decode.
package thumbnail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

// Config selects the variants and encoding of the cache.
type Config struct {
	Variants         map[string]int // variant name -> max width in pixels
	Format           string         // "jpg" or "png"
	Quality          int
	MaxPixels        int64
	AlgorithmVersion int
	CachePrefix      string
	Backend          string // cache driver; empty means the asset's own backend
	Deadline         time.Duration
}

// DefaultConfig returns the stock variant set.
func DefaultConfig() Config {
	return Config{
		Variants:         map[string]int{"sm": 160, "md": 480, "lg": 1280},
		Format:           "jpg",
		Quality:          82,
		MaxPixels:        40_000_000,
		AlgorithmVersion: 1,
		CachePrefix:      "thumbs",
		Deadline:         10 * time.Second,
	}
}

// Result counts what one Sync did. Reasons maps each declined variant to
// its reason code.
type Result struct {
	Generated int
	Skipped   int
	Failed    int
	Reasons   map[string]string
}

func (r *Result) decline(variant string, code simplemedia.Code) {
	if r.Reasons == nil {
		r.Reasons = make(map[string]string)
	}
	r.Reasons[variant] = string(code)
	r.Failed++
}

// Cache generates variants into a storage driver.
type Cache struct {
	drivers    *simplemedia.Drivers
	decoder    simplemedia.ImageDecoder
	observer   simplemedia.Observer
	logger     *slog.Logger
	scratchDir string
}

// Option configures a Cache.
type Option func(*Cache)

func WithObserver(o simplemedia.Observer) Option {
	return func(c *Cache) { c.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithScratchDir sets where sources and variants are staged while
// generating. Defaults to os.TempDir().
func WithScratchDir(dir string) Option {
	return func(c *Cache) { c.scratchDir = dir }
}

// New returns a Cache reading sources and writing variants through drivers.
func New(drivers *simplemedia.Drivers, decoder simplemedia.ImageDecoder, opts ...Option) *Cache {
	c := &Cache{
		drivers:  drivers,
		decoder:  decoder,
		observer: simplemedia.NoopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the cache key of variant for asset.
func (c *Cache) Key(asset *simplemedia.Asset, variant string, cfg Config) (string, error) {
	if _, ok := cfg.Variants[variant]; !ok {
		return "", simplemedia.NewError(simplemedia.CodeNotFound, "thumbnail.key", "unknown variant "+variant, nil)
	}
	return objectkey.ThumbnailKey(cfg.CachePrefix, asset.CreatedAt, asset.ContentHash, variant, cfg.AlgorithmVersion, cfg.Format), nil
}

func (c *Cache) cacheDriver(asset *simplemedia.Asset, cfg Config) (simplemedia.StorageDriver, error) {
	name := cfg.Backend
	if name == "" {
		name = asset.BackendName
	}
	return c.drivers.Get(name)
}

// Sync makes sure every configured variant of asset exists or has a
// reason sidecar. Non-image assets yield a zero Result.
func (c *Cache) Sync(ctx context.Context, asset *simplemedia.Asset, cfg Config) (Result, error) {
	var res Result
	if !asset.IsReady() {
		return res, simplemedia.NewError(simplemedia.CodeNotFound, "thumbnail.sync", "asset not ready", nil)
	}
	if !c.decoder.SupportsMime(asset.MimeType) {
		return res, nil
	}
	dst, err := c.cacheDriver(asset, cfg)
	if err != nil {
		return res, simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "", err)
	}

	names := make([]string, 0, len(cfg.Variants))
	for name := range cfg.Variants {
		names = append(names, name)
	}
	sort.Strings(names)

	var pending []string
	for _, name := range names {
		key, _ := c.Key(asset, name, cfg)
		done, err := c.cached(ctx, dst, key)
		if err != nil {
			return res, err
		}
		if done {
			res.Skipped++
			continue
		}
		pending = append(pending, name)
	}
	defer func() {
		c.observer.ObserveThumbnails(res.Generated, res.Skipped, res.Failed)
	}()
	if len(pending) == 0 {
		return res, nil
	}

	work, err := os.MkdirTemp(c.scratchDir, "thumb-*")
	if err != nil {
		return res, simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "scratch dir", err)
	}
	defer os.RemoveAll(work)

	source := filepath.Join(work, "source")
	if err := c.download(ctx, asset, source); err != nil {
		return res, err
	}

	w, okW := c.decoder.Width(source)
	h, okH := c.decoder.Height(source)
	if !okW || !okH {
		c.logger.Warn("thumbnail source not decodable", "asset_id", asset.ID, "content_hash", asset.ContentHash)
		return res, c.declineAll(ctx, dst, asset, cfg, pending, simplemedia.CodeDecodeFailed, &res)
	}
	if cfg.MaxPixels > 0 && int64(w)*int64(h) > cfg.MaxPixels {
		c.logger.Info("thumbnail source exceeds pixel limit",
			"asset_id", asset.ID, "width", w, "height", h, "max_pixels", cfg.MaxPixels)
		return res, c.declineAll(ctx, dst, asset, cfg, pending, simplemedia.CodeTooManyPixels, &res)
	}

	for _, name := range pending {
		key, _ := c.Key(asset, name, cfg)
		target := filepath.Join(work, name+"."+cfg.Format)
		if !c.decoder.CreateThumbnail(source, target, cfg.Variants[name], cfg.Format, cfg.Quality, cfg.MaxPixels, cfg.Deadline) {
			c.logger.Warn("thumbnail generation failed", "asset_id", asset.ID, "variant", name)
			if err := dst.PutContents(ctx, objectkey.ReasonKey(key), []byte(simplemedia.CodeDecodeFailed)); err != nil {
				return res, simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "write reason", err)
			}
			res.decline(name, simplemedia.CodeDecodeFailed)
			continue
		}
		if !c.decoder.StripMetadata(target) {
			c.logger.Warn("thumbnail metadata strip failed", "asset_id", asset.ID, "variant", name)
		}
		if err := c.upload(ctx, dst, key, target); err != nil {
			return res, err
		}
		res.Generated++
	}
	return res, nil
}

func (c *Cache) cached(ctx context.Context, dst simplemedia.StorageDriver, key string) (bool, error) {
	for _, k := range []string{key, objectkey.ReasonKey(key)} {
		ok, err := dst.Exists(ctx, k)
		if err != nil {
			return false, simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c *Cache) declineAll(ctx context.Context, dst simplemedia.StorageDriver, asset *simplemedia.Asset, cfg Config, variants []string, code simplemedia.Code, res *Result) error {
	for _, name := range variants {
		key, _ := c.Key(asset, name, cfg)
		if err := dst.PutContents(ctx, objectkey.ReasonKey(key), []byte(code)); err != nil {
			return simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "write reason", err)
		}
		res.decline(name, code)
	}
	return nil
}

func (c *Cache) download(ctx context.Context, asset *simplemedia.Asset, path string) error {
	src, err := c.drivers.Get(asset.BackendName)
	if err != nil {
		return simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "", err)
	}
	rc, err := src.GetStream(ctx, asset.DiskKey)
	if err != nil {
		return simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "read source", err)
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "scratch file", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "read source", err)
	}
	if err := f.Close(); err != nil {
		return simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "scratch file", err)
	}
	return nil
}

func (c *Cache) upload(ctx context.Context, dst simplemedia.StorageDriver, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "open variant", err)
	}
	defer f.Close()
	if err := dst.Put(ctx, key, f); err != nil {
		return simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.sync", "store variant", err)
	}
	return nil
}

// Open returns the bytes of a variant, generating it first when needed.
// A variant that was declined returns an error carrying the recorded
// reason code (too_many_pixels or decode_failed).
func (c *Cache) Open(ctx context.Context, asset *simplemedia.Asset, variant string, cfg Config) (io.ReadCloser, error) {
	key, err := c.Key(asset, variant, cfg)
	if err != nil {
		return nil, err
	}
	if !c.decoder.SupportsMime(asset.MimeType) {
		return nil, simplemedia.NewError(simplemedia.CodeNotFound, "thumbnail.open", "no variants for "+asset.MimeType, nil)
	}
	dst, err := c.cacheDriver(asset, cfg)
	if err != nil {
		return nil, simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.open", "", err)
	}

	rc, err := c.openCached(ctx, dst, key)
	if err == nil || !simplemedia.IsNotFound(err) {
		return rc, err
	}
	if _, err := c.Sync(ctx, asset, cfg); err != nil {
		return nil, err
	}
	return c.openCached(ctx, dst, key)
}

func (c *Cache) openCached(ctx context.Context, dst simplemedia.StorageDriver, key string) (io.ReadCloser, error) {
	rc, err := dst.GetStream(ctx, key)
	if err == nil {
		return rc, nil
	}
	if !simplemedia.IsNotFound(err) {
		return nil, simplemedia.NewError(simplemedia.CodeStorageError, "thumbnail.open", "", err)
	}
	reason, rerr := dst.GetStream(ctx, objectkey.ReasonKey(key))
	if rerr != nil {
		return nil, err
	}
	defer reason.Close()
	raw, _ := io.ReadAll(io.LimitReader(reason, 64))
	code := simplemedia.Code(strings.TrimSpace(string(raw)))
	if code != simplemedia.CodeTooManyPixels && code != simplemedia.CodeDecodeFailed {
		code = simplemedia.CodeDecodeFailed
	}
	return nil, simplemedia.NewError(code, "thumbnail.open", fmt.Sprintf("variant declined: %s", key), nil)
}
