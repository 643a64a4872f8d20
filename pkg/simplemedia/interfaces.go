package simplemedia

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// StorageDriver defines the interface for storage backends.
// Keys are opaque slash-separated strings chosen by the caller.
type StorageDriver interface {
	// Put stores everything read from src under key, replacing any existing object
	Put(ctx context.Context, key string, src io.Reader) error

	// PutContents stores data under key
	PutContents(ctx context.Context, key string, data []byte) error

	// GetStream opens the object for reading; ErrNotFound when absent
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object is stored under key
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object; deleting an absent key succeeds
	Delete(ctx context.Context, key string) error

	// Size returns the stored byte count; ErrNotFound when absent
	Size(ctx context.Context, key string) (int64, error)
}

// LocalDriver is a StorageDriver backed by a local filesystem. Scanners and
// image decoders operate on paths, so the quarantine area is always local.
type LocalDriver interface {
	StorageDriver

	// Path returns the filesystem path for key without checking existence
	Path(key string) (string, error)

	// List returns objects whose key starts with prefix
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Repository defines the interface for asset record persistence
type Repository interface {
	// Claim inserts a as an uploading row unless a live row (uploading or
	// ready) already holds a.ContentHash. It never returns an error for the
	// duplicate case.
	Claim(ctx context.Context, a *Asset) (ClaimResult, error)

	Get(ctx context.Context, id uuid.UUID) (*Asset, error)

	// GetByHash returns the live row for a content hash
	GetByHash(ctx context.Context, contentHash string) (*Asset, error)

	// MarkReady flips an uploading row to ready and clears its quarantine key
	MarkReady(ctx context.Context, id uuid.UUID) error

	Delete(ctx context.Context, id uuid.UUID) error

	// DeleteUploading deletes the row only while it is still uploading
	DeleteUploading(ctx context.Context, id uuid.UUID) (bool, error)

	// ListStaleUploading returns uploading rows created before the cutoff
	ListStaleUploading(ctx context.Context, before time.Time) ([]*Asset, error)

	SetVisibility(ctx context.Context, id uuid.UUID, visibility Visibility, publicToken string) error
}

// Scanner inspects a staged file for malware.
type Scanner interface {
	Scan(ctx context.Context, path string) ScanResult
}

// ImageDecoder is the contract the thumbnail cache needs from an image
// library. All methods report failure with false rather than an error.
type ImageDecoder interface {
	SupportsMime(mime string) bool
	Width(path string) (int, bool)
	Height(path string) (int, bool)

	// StripMetadata removes embedded metadata from the file in place
	StripMetadata(path string) bool

	// CreateThumbnail writes a variant of source no wider than maxWidth to target
	CreateThumbnail(source, target string, maxWidth int, format string, quality int, maxPixels int64, deadline time.Duration) bool
}

// Observer receives operational measurements.
type Observer interface {
	ObserveStorageOp(backend, op string, d time.Duration, err error)

	// ObserveUpload is called once per upload with the outcome
	// ("stored", "deduped") or the failure code.
	ObserveUpload(result string, d time.Duration)

	ObserveThumbnails(generated, skipped, failed int)
	ObserveReap(deleted, quarantineDeleted int)
}

// EventSink defines the interface for event handling
type EventSink interface {
	// AssetStored is fired when new bytes are committed
	AssetStored(ctx context.Context, asset *Asset) error

	// AssetDeduped is fired when an upload resolves to an existing asset
	AssetDeduped(ctx context.Context, asset *Asset) error

	// AssetReaped is fired when a stale uploading row is removed
	AssetReaped(ctx context.Context, asset *Asset) error
}
