// Package memory keeps objects in a process-local map. It is meant for
// tests and single-process development setups.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Driver is an in-memory implementation of simplemedia.StorageDriver
type Driver struct {
	mu       sync.RWMutex
	name     string
	objects  map[string][]byte
	failures map[string]error
}

var _ simplemedia.StorageDriver = (*Driver)(nil)

// New creates a new in-memory driver reporting itself as name in errors
func New(name string) *Driver {
	if name == "" {
		name = "memory"
	}
	return &Driver{
		name:     name,
		objects:  make(map[string][]byte),
		failures: make(map[string]error),
	}
}

// FailOn makes every later call of op ("put", "get", "exists", "delete",
// "size") fail with err. A nil err clears the failure.
func (d *Driver) FailOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

func (d *Driver) injected(op, key string) error {
	if err, ok := d.failures[op]; ok {
		return &simplemedia.StorageError{Backend: d.name, Key: key, Op: op, Err: err}
	}
	return nil
}

func (d *Driver) Put(ctx context.Context, key string, src io.Reader) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return &simplemedia.StorageError{Backend: d.name, Key: key, Op: "put", Err: err}
	}
	return d.PutContents(ctx, key, data)
}

func (d *Driver) PutContents(ctx context.Context, key string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("put", key); err != nil {
		return err
	}
	if key == "" {
		return &simplemedia.StorageError{Backend: d.name, Key: key, Op: "put", Err: simplemedia.ErrInvalidKey}
	}
	d.objects[key] = append([]byte(nil), data...)
	return nil
}

func (d *Driver) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.injected("get", key); err != nil {
		return nil, err
	}
	data, ok := d.objects[key]
	if !ok {
		return nil, &simplemedia.StorageError{Backend: d.name, Key: key, Op: "get", Err: simplemedia.ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *Driver) Exists(ctx context.Context, key string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.injected("exists", key); err != nil {
		return false, err
	}
	_, ok := d.objects[key]
	return ok, nil
}

func (d *Driver) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("delete", key); err != nil {
		return err
	}
	delete(d.objects, key)
	return nil
}

func (d *Driver) Size(ctx context.Context, key string) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.injected("size", key); err != nil {
		return 0, err
	}
	data, ok := d.objects[key]
	if !ok {
		return 0, &simplemedia.StorageError{Backend: d.name, Key: key, Op: "size", Err: simplemedia.ErrNotFound}
	}
	return int64(len(data)), nil
}

// Keys returns the stored keys with the given prefix in sorted order.
func (d *Driver) Keys(prefix string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var keys []string
	for k := range d.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
