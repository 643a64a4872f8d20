// Package imaging implements simplemedia.ImageDecoder with the standard
// image codecs and nfnt/resize.
package imaging

import (
	"bufio"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nfnt/resize"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Decoder decodes JPEG, PNG and GIF sources and encodes JPEG or PNG variants.
type Decoder struct {
	logger *slog.Logger
}

var _ simplemedia.ImageDecoder = (*Decoder)(nil)

// New returns a Decoder. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

func (d *Decoder) SupportsMime(mime string) bool {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/png", "image/gif":
		return true
	}
	return false
}

func (d *Decoder) config(path string) (image.Config, bool) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return image.Config{}, false
	}
	return cfg, true
}

func (d *Decoder) Width(path string) (int, bool) {
	cfg, ok := d.config(path)
	return cfg.Width, ok
}

func (d *Decoder) Height(path string) (int, bool) {
	cfg, ok := d.config(path)
	return cfg.Height, ok
}

func (d *Decoder) decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	return img, err
}

// CreateThumbnail decodes source, scales it to at most maxWidth pixels
// wide and writes it to target in format ("jpg", "jpeg" or "png").
// Sources over maxPixels are refused before decoding. Decoding that does
// not finish within deadline counts as failure.
func (d *Decoder) CreateThumbnail(source, target string, maxWidth int, format string, quality int, maxPixels int64, deadline time.Duration) bool {
	cfg, ok := d.config(source)
	if !ok {
		return false
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return false
	}

	type decoded struct {
		img image.Image
		err error
	}
	ch := make(chan decoded, 1)
	go func() {
		img, err := d.decode(source)
		ch <- decoded{img, err}
	}()

	var img image.Image
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case res := <-ch:
			if res.err != nil {
				d.logger.Warn("decode failed", "path", source, "error", res.err)
				return false
			}
			img = res.img
		case <-timer.C:
			d.logger.Warn("decode deadline exceeded", "path", source, "deadline", deadline)
			return false
		}
	} else {
		res := <-ch
		if res.err != nil {
			d.logger.Warn("decode failed", "path", source, "error", res.err)
			return false
		}
		img = res.img
	}

	if maxWidth > 0 {
		img = resize.Thumbnail(uint(maxWidth), uint(img.Bounds().Dy()), img, resize.Lanczos3)
	}

	if err := writeAtomic(target, func(f *os.File) error {
		return encode(f, img, format, quality)
	}); err != nil {
		d.logger.Warn("encode failed", "path", target, "error", err)
		return false
	}
	return true
}

func encode(f *os.File, img image.Image, format string, quality int) error {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		return jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	case "png":
		return png.Encode(f, img)
	case "gif":
		return gif.Encode(f, img, nil)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// writeAtomic writes through a temp file next to path and renames it over path.
func writeAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".imaging-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
