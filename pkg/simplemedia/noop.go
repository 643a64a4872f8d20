package simplemedia

import (
	"context"
	"log/slog"
	"time"
)

// NoopScanner reports every file clean. Use it when scanning is disabled.
type NoopScanner struct{}

func (NoopScanner) Scan(context.Context, string) ScanResult {
	return ScanResult{Status: ScanClean}
}

// NoopObserver discards all measurements.
type NoopObserver struct{}

func (NoopObserver) ObserveStorageOp(string, string, time.Duration, error) {}
func (NoopObserver) ObserveUpload(string, time.Duration)                 {}
func (NoopObserver) ObserveThumbnails(int, int, int)                     {}
func (NoopObserver) ObserveReap(int, int)                                {}

// NoopEventSink is a no-op implementation of EventSink
type NoopEventSink struct{}

func (NoopEventSink) AssetStored(context.Context, *Asset) error  { return nil }
func (NoopEventSink) AssetDeduped(context.Context, *Asset) error { return nil }
func (NoopEventSink) AssetReaped(context.Context, *Asset) error  { return nil }

// LogEventSink writes every event to a structured logger.
type LogEventSink struct {
	Logger *slog.Logger
}

func (s LogEventSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s LogEventSink) AssetStored(ctx context.Context, a *Asset) error {
	s.logger().InfoContext(ctx, "asset stored",
		"asset_id", a.ID, "content_hash", a.ContentHash, "backend", a.BackendName, "size_bytes", a.SizeBytes)
	return nil
}

func (s LogEventSink) AssetDeduped(ctx context.Context, a *Asset) error {
	s.logger().InfoContext(ctx, "asset deduped", "asset_id", a.ID, "content_hash", a.ContentHash)
	return nil
}

func (s LogEventSink) AssetReaped(ctx context.Context, a *Asset) error {
	s.logger().InfoContext(ctx, "stale upload reaped", "asset_id", a.ID, "content_hash", a.ContentHash)
	return nil
}
