// Package fs stores objects as files under a root directory.
package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Driver is a filesystem implementation of simplemedia.LocalDriver
type Driver struct {
	name    string
	baseDir string
}

// Config options for the filesystem driver
type Config struct {
	Name    string // Backend name reported in errors; defaults to "fs"
	BaseDir string // Base directory for storing files
}

var _ simplemedia.LocalDriver = (*Driver)(nil)

// New creates a new filesystem driver
func New(config Config) (*Driver, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	abs, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	name := config.Name
	if name == "" {
		name = "fs"
	}
	return &Driver{name: name, baseDir: abs}, nil
}

func (d *Driver) fail(op, key string, err error) error {
	return &simplemedia.StorageError{Backend: d.name, Key: key, Op: op, Err: err}
}

// Path maps key to a file below the base directory. Keys that are empty,
// contain NUL, are absolute, or escape the base directory are rejected.
func (d *Driver) Path(key string) (string, error) {
	if key == "" || strings.ContainsRune(key, 0) {
		return "", simplemedia.ErrInvalidKey
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, `\`) || filepath.IsAbs(key) || filepath.VolumeName(key) != "" {
		return "", simplemedia.ErrInvalidKey
	}
	p := filepath.Join(d.baseDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(d.baseDir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", simplemedia.ErrInvalidKey
	}
	return p, nil
}

// Put writes src to a temp file in the target directory and renames it
// into place, so readers never observe a partial object.
func (d *Driver) Put(ctx context.Context, key string, src io.Reader) error {
	p, err := d.Path(key)
	if err != nil {
		return d.fail("put", key, err)
	}
	if err := ctx.Err(); err != nil {
		return d.fail("put", key, err)
	}
	tmp, err := d.createTemp(filepath.Dir(p))
	if err != nil {
		return d.fail("put", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return d.fail("put", key, fmt.Errorf("failed to write file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return d.fail("put", key, fmt.Errorf("failed to close file: %w", err))
	}
	if err := os.Rename(tmpName, p); err != nil {
		return d.fail("put", key, fmt.Errorf("failed to rename file: %w", err))
	}
	return nil
}

// createTemp creates a temp file in dir, recreating dir if a concurrent
// Delete pruned it in between.
func (d *Driver) createTemp(dir string) (*os.File, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		tmp, err := os.CreateTemp(dir, ".put-*")
		if err == nil {
			return tmp, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to create file: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to create file: %w", lastErr)
}

func (d *Driver) PutContents(ctx context.Context, key string, data []byte) error {
	return d.Put(ctx, key, bytes.NewReader(data))
}

func (d *Driver) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := d.Path(key)
	if err != nil {
		return nil, d.fail("get", key, err)
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, d.fail("get", key, simplemedia.ErrNotFound)
	} else if err != nil {
		return nil, d.fail("get", key, err)
	}
	return f, nil
}

func (d *Driver) Exists(ctx context.Context, key string) (bool, error) {
	p, err := d.Path(key)
	if err != nil {
		return false, d.fail("exists", key, err)
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, d.fail("exists", key, err)
	}
	return info.Mode().IsRegular(), nil
}

// Delete removes the file and prunes directories it leaves empty.
func (d *Driver) Delete(ctx context.Context, key string) error {
	p, err := d.Path(key)
	if err != nil {
		return d.fail("delete", key, err)
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return d.fail("delete", key, fmt.Errorf("failed to delete file: %w", err))
	}
	d.cleanupEmptyDirectories(filepath.Dir(p))
	return nil
}

func (d *Driver) Size(ctx context.Context, key string) (int64, error) {
	p, err := d.Path(key)
	if err != nil {
		return 0, d.fail("size", key, err)
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, d.fail("size", key, simplemedia.ErrNotFound)
	} else if err != nil {
		return 0, d.fail("size", key, err)
	}
	return info.Size(), nil
}

// List walks the base directory and returns regular files whose key has
// the given prefix. In-progress temp files are skipped.
func (d *Driver) List(ctx context.Context, prefix string) ([]simplemedia.ObjectInfo, error) {
	var out []simplemedia.ObjectInfo
	err := filepath.WalkDir(d.baseDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(d.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		out = append(out, simplemedia.ObjectInfo{Key: key, Size: info.Size(), UpdatedAt: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, d.fail("list", prefix, err)
	}
	return out, nil
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (d *Driver) cleanupEmptyDirectories(dir string) {
	if dir == d.baseDir || !strings.HasPrefix(dir, d.baseDir) {
		return
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			d.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}
