// Package reaper removes uploads that never finished.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

// Result counts one Reap pass.
type Result struct {
	Scanned           int // stale uploading rows found
	Deleted           int // rows removed
	QuarantineDeleted int // quarantine files removed, including orphans
	DiskDeleted       int // partial final-key objects removed
}

// Reaper sweeps stale uploading rows and orphaned quarantine files.
type Reaper struct {
	repo       simplemedia.Repository
	quarantine simplemedia.LocalDriver
	drivers    *simplemedia.Drivers
	observer   simplemedia.Observer
	events     simplemedia.EventSink
	logger     *slog.Logger
}

// Option configures a Reaper.
type Option func(*Reaper)

func WithObserver(o simplemedia.Observer) Option {
	return func(r *Reaper) { r.observer = o }
}

func WithEventSink(e simplemedia.EventSink) Option {
	return func(r *Reaper) { r.events = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

func New(repo simplemedia.Repository, quarantine simplemedia.LocalDriver, drivers *simplemedia.Drivers, opts ...Option) *Reaper {
	r := &Reaper{
		repo:       repo,
		quarantine: quarantine,
		drivers:    drivers,
		observer:   simplemedia.NoopObserver{},
		events:     simplemedia.NoopEventSink{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reap deletes every uploading row created before now-staleAfter along
// with its quarantine and partial final bytes, then removes quarantine
// files older than the same cutoff that no uploading row references.
// Failures on one row do not stop the pass; they are joined into the
// returned error.
func (r *Reaper) Reap(ctx context.Context, staleAfter time.Duration, now time.Time) (Result, error) {
	var res Result
	cutoff := now.Add(-staleAfter)

	stale, err := r.repo.ListStaleUploading(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list stale uploads: %w", err)
	}
	res.Scanned = len(stale)

	var errs []error
	for _, a := range stale {
		if err := r.reapOne(ctx, a, &res); err != nil {
			r.logger.Error("failed to reap upload", "asset_id", a.ID, "content_hash", a.ContentHash, "error", err)
			errs = append(errs, err)
		}
	}

	if err := r.sweepQuarantine(ctx, cutoff, now, &res); err != nil {
		errs = append(errs, err)
	}

	r.observer.ObserveReap(res.Deleted, res.QuarantineDeleted)
	if res.Scanned > 0 || res.QuarantineDeleted > 0 {
		r.logger.Info("reap finished",
			"scanned", res.Scanned, "deleted", res.Deleted,
			"quarantine_deleted", res.QuarantineDeleted, "disk_deleted", res.DiskDeleted)
	}
	return res, errors.Join(errs...)
}

// reapOne removes the row first, conditional on it still uploading, and
// only then touches the final key. An upload that committed in the
// meantime keeps its row and bytes.
func (r *Reaper) reapOne(ctx context.Context, a *simplemedia.Asset, res *Result) error {
	deleted, err := r.repo.DeleteUploading(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("delete row: %w", err)
	}
	if !deleted {
		r.logger.Debug("upload finished before reaping", "asset_id", a.ID, "content_hash", a.ContentHash)
		return nil
	}
	res.Deleted++
	if err := r.events.AssetReaped(ctx, a); err != nil {
		r.logger.Warn("event sink failed", "event", "asset_reaped", "error", err)
	}

	var errs []error
	if a.QuarantineKey != "" {
		n, err := deleteIfExists(ctx, r.quarantine, a.QuarantineKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete quarantine %s: %w", a.QuarantineKey, err))
		}
		res.QuarantineDeleted += n
	}
	if a.DiskKey != "" {
		n, err := r.deletePartial(ctx, a)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete partial bytes %s: %w", a.DiskKey, err))
		}
		res.DiskDeleted += n
	}
	return errors.Join(errs...)
}

// deletePartial removes the final-key bytes of a reaped row unless a live
// row for the same content hash now owns that key.
func (r *Reaper) deletePartial(ctx context.Context, a *simplemedia.Asset) (int, error) {
	live, err := r.repo.GetByHash(ctx, a.ContentHash)
	switch {
	case err == nil:
		if live.DiskKey == a.DiskKey && live.BackendName == a.BackendName {
			r.logger.Info("final key owned by a newer upload, keeping bytes", "asset_id", live.ID, "disk_key", a.DiskKey)
			return 0, nil
		}
	case !simplemedia.IsNotFound(err):
		return 0, err
	}
	driver, err := r.drivers.Get(a.BackendName)
	if err != nil {
		return 0, err
	}
	return deleteIfExists(ctx, driver, a.DiskKey)
}

func (r *Reaper) sweepQuarantine(ctx context.Context, cutoff, now time.Time, res *Result) error {
	objs, err := r.quarantine.List(ctx, objectkey.QuarantinePrefix)
	if err != nil {
		return fmt.Errorf("list quarantine: %w", err)
	}
	if len(objs) == 0 {
		return nil
	}

	live, err := r.repo.ListStaleUploading(ctx, now)
	if err != nil {
		return fmt.Errorf("list uploading rows: %w", err)
	}
	referenced := make(map[string]bool, len(live))
	for _, a := range live {
		if a.QuarantineKey != "" {
			referenced[a.QuarantineKey] = true
		}
	}

	var errs []error
	for _, o := range objs {
		if !o.UpdatedAt.Before(cutoff) || referenced[o.Key] {
			continue
		}
		if err := r.quarantine.Delete(ctx, o.Key); err != nil {
			errs = append(errs, fmt.Errorf("delete orphan %s: %w", o.Key, err))
			continue
		}
		r.logger.Info("removed orphaned quarantine file", "quarantine_key", o.Key, "size_bytes", o.Size)
		res.QuarantineDeleted++
	}
	return errors.Join(errs...)
}

func deleteIfExists(ctx context.Context, d simplemedia.StorageDriver, key string) (int, error) {
	ok, err := d.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if err := d.Delete(ctx, key); err != nil {
		return 0, err
	}
	return 1, nil
}
