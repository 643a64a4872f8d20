package simplemedia

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Drivers is a named registry of storage drivers.
type Drivers struct {
	mu      sync.RWMutex
	drivers map[string]StorageDriver
}

// NewDrivers returns an empty registry.
func NewDrivers() *Drivers {
	return &Drivers{drivers: make(map[string]StorageDriver)}
}

// Register adds or replaces the driver for name.
func (r *Drivers) Register(name string, d StorageDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = d
}

// Get returns the driver registered under name.
func (r *Drivers) Get(name string) (StorageDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStorageBackendNotFound, name)
	}
	return d, nil
}

// Names returns the registered names in sorted order.
func (r *Drivers) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ObserveDriver wraps d so every operation is reported to o under backend.
// A LocalDriver stays a LocalDriver after wrapping.
func ObserveDriver(backend string, d StorageDriver, o Observer) StorageDriver {
	if o == nil {
		return d
	}
	od := &observedDriver{backend: backend, next: d, obs: o}
	if ld, ok := d.(LocalDriver); ok {
		return &observedLocalDriver{observedDriver: od, local: ld}
	}
	return od
}

type observedDriver struct {
	backend string
	next    StorageDriver
	obs     Observer
}

func (d *observedDriver) observe(op string, start time.Time, err error) {
	d.obs.ObserveStorageOp(d.backend, op, time.Since(start), err)
}

func (d *observedDriver) Put(ctx context.Context, key string, src io.Reader) error {
	start := time.Now()
	err := d.next.Put(ctx, key, src)
	d.observe("put", start, err)
	return err
}

func (d *observedDriver) PutContents(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := d.next.PutContents(ctx, key, data)
	d.observe("put", start, err)
	return err
}

func (d *observedDriver) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := d.next.GetStream(ctx, key)
	if IsNotFound(err) {
		d.observe("get", start, nil)
	} else {
		d.observe("get", start, err)
	}
	return rc, err
}

func (d *observedDriver) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := d.next.Exists(ctx, key)
	d.observe("exists", start, err)
	return ok, err
}

func (d *observedDriver) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := d.next.Delete(ctx, key)
	d.observe("delete", start, err)
	return err
}

func (d *observedDriver) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := d.next.Size(ctx, key)
	if IsNotFound(err) {
		d.observe("size", start, nil)
	} else {
		d.observe("size", start, err)
	}
	return n, err
}

type observedLocalDriver struct {
	*observedDriver
	local LocalDriver
}

func (d *observedLocalDriver) Path(key string) (string, error) {
	return d.local.Path(key)
}

func (d *observedLocalDriver) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	objs, err := d.local.List(ctx, prefix)
	d.observe("list", start, err)
	return objs, err
}
