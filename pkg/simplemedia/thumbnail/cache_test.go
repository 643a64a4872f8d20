package thumbnail_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/imaging"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	"github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/thumbnail"
)

var created = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func setup(t *testing.T, data []byte, mime string) (*simplemedia.Drivers, *memory.Driver, *simplemedia.Asset) {
	t.Helper()
	drv := memory.New("mem")
	drivers := simplemedia.NewDrivers()
	drivers.Register("mem", drv)

	sum := sha256.Sum256(data)
	asset := &simplemedia.Asset{
		ID:          uuid.New(),
		ContentHash: hex.EncodeToString(sum[:]),
		DiskKey:     "media/source",
		BackendName: "mem",
		MimeType:    mime,
		Status:      simplemedia.AssetStatusReady,
		CreatedAt:   created,
	}
	require.NoError(t, drv.PutContents(context.Background(), asset.DiskKey, data))
	return drivers, drv, asset
}

func config() thumbnail.Config {
	return thumbnail.Config{
		Variants:         map[string]int{"sm": 32, "md": 64},
		Format:           "jpg",
		Quality:          80,
		MaxPixels:        1_000_000,
		AlgorithmVersion: 3,
		CachePrefix:      "thumbs",
		Deadline:         5 * time.Second,
	}
}

func digest(t *testing.T, d simplemedia.StorageDriver, key string) [32]byte {
	t.Helper()
	rc, err := d.GetStream(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return sha256.Sum256(data)
}

func TestSync_GeneratesAndSkips(t *testing.T) {
	drivers, drv, asset := setup(t, pngBytes(t, 200, 100), "image/png")
	cache := thumbnail.New(drivers, imaging.New(nil), thumbnail.WithScratchDir(t.TempDir()))
	ctx := context.Background()
	cfg := config()

	res, err := cache.Sync(ctx, asset, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Generated)
	assert.Equal(t, 0, res.Skipped)

	key, err := cache.Key(asset, "sm", cfg)
	require.NoError(t, err)
	assert.Equal(t, "thumbs/2024/06/01/"+asset.ContentHash+"/sm_v3.jpg", key)
	ok, err := drv.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err = cache.Sync(ctx, asset, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Generated)
	assert.Equal(t, 2, res.Skipped)
}

func TestSync_RegenerationIsByteIdentical(t *testing.T) {
	drivers, drv, asset := setup(t, pngBytes(t, 120, 90), "image/png")
	cache := thumbnail.New(drivers, imaging.New(nil), thumbnail.WithScratchDir(t.TempDir()))
	ctx := context.Background()
	cfg := config()

	_, err := cache.Sync(ctx, asset, cfg)
	require.NoError(t, err)
	key, _ := cache.Key(asset, "md", cfg)
	first := digest(t, drv, key)

	require.NoError(t, drv.Delete(ctx, key))
	res, err := cache.Sync(ctx, asset, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Generated)
	assert.Equal(t, 1, res.Skipped)

	assert.Equal(t, first, digest(t, drv, key))
}

func TestSync_AlgorithmVersionChangesKey(t *testing.T) {
	drivers, _, asset := setup(t, pngBytes(t, 64, 64), "image/png")
	cache := thumbnail.New(drivers, imaging.New(nil), thumbnail.WithScratchDir(t.TempDir()))
	cfg := config()

	_, err := cache.Sync(context.Background(), asset, cfg)
	require.NoError(t, err)

	cfg.AlgorithmVersion++
	res, err := cache.Sync(context.Background(), asset, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Generated)
}

// countingDecoder reports fixed dimensions and counts thumbnail calls.
type countingDecoder struct {
	width, height int
	decodable     bool
	thumbnails    int
}

func (d *countingDecoder) SupportsMime(mime string) bool { return mime == "image/png" }
func (d *countingDecoder) Width(string) (int, bool)      { return d.width, d.decodable }
func (d *countingDecoder) Height(string) (int, bool)     { return d.height, d.decodable }
func (d *countingDecoder) StripMetadata(string) bool     { return true }
func (d *countingDecoder) CreateThumbnail(string, string, int, string, int, int64, time.Duration) bool {
	d.thumbnails++
	return false
}

func TestSync_PixelLimitWritesReasonWithoutDecoding(t *testing.T) {
	drivers, drv, asset := setup(t, []byte("pretend png"), "image/png")
	dec := &countingDecoder{width: 20000, height: 20000, decodable: true}
	cache := thumbnail.New(drivers, dec, thumbnail.WithScratchDir(t.TempDir()))
	ctx := context.Background()
	cfg := config()

	res, err := cache.Sync(ctx, asset, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Generated)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, map[string]string{"sm": "too_many_pixels", "md": "too_many_pixels"}, res.Reasons)
	assert.Zero(t, dec.thumbnails)

	key, _ := cache.Key(asset, "sm", cfg)
	ok, err := drv.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	rc, err := drv.GetStream(ctx, objectkey.ReasonKey(key))
	require.NoError(t, err)
	reason, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "too_many_pixels", string(reason))

	// sidecar stops retries
	res, err = cache.Sync(ctx, asset, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)

	_, err = cache.Open(ctx, asset, "sm", cfg)
	assert.ErrorIs(t, err, simplemedia.ErrTooManyPixels)
}

func TestSync_UndecodableSource(t *testing.T) {
	drivers, _, asset := setup(t, []byte("garbage"), "image/png")
	dec := &countingDecoder{decodable: false}
	cache := thumbnail.New(drivers, dec, thumbnail.WithScratchDir(t.TempDir()))

	res, err := cache.Sync(context.Background(), asset, config())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, "decode_failed", res.Reasons["sm"])
	assert.Zero(t, dec.thumbnails)
}

func TestSync_NonImageIsZeroResult(t *testing.T) {
	drivers, drv, asset := setup(t, []byte("%PDF-1.4"), "application/pdf")
	cache := thumbnail.New(drivers, imaging.New(nil))

	res, err := cache.Sync(context.Background(), asset, config())
	require.NoError(t, err)
	assert.Equal(t, thumbnail.Result{}, res)
	assert.Equal(t, []string{"media/source"}, drv.Keys(""))
}

func TestOpen_GeneratesLazily(t *testing.T) {
	drivers, _, asset := setup(t, pngBytes(t, 100, 100), "image/png")
	cache := thumbnail.New(drivers, imaging.New(nil), thumbnail.WithScratchDir(t.TempDir()))
	ctx := context.Background()

	rc, err := cache.Open(ctx, asset, "sm", config())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)

	_, err = cache.Open(ctx, asset, "xl", config())
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}
