package simplemedia

import (
	"time"

	"github.com/google/uuid"
)

// AssetStatus is the lifecycle state of an asset record.
type AssetStatus string

const (
	AssetStatusUploading AssetStatus = "uploading"
	AssetStatusReady     AssetStatus = "ready"
)

// Visibility controls whether an asset can be read without a capability.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Asset is one stored binary, identified by the hash of its bytes.
//
// A ready asset always has a DiskKey that resolves to existing bytes on
// BackendName. An uploading asset may or may not have bytes placed yet.
type Asset struct {
	ID            uuid.UUID   `json:"id"`
	ContentHash   string      `json:"content_hash"`
	DiskKey       string      `json:"disk_key"`
	BackendName   string      `json:"backend_name"`
	OriginalName  string      `json:"original_name,omitempty"`
	MimeType      string      `json:"mime_type"`
	SizeBytes     int64       `json:"size_bytes"`
	UploadedBy    *uuid.UUID  `json:"uploaded_by,omitempty"`
	Visibility    Visibility  `json:"visibility"`
	PublicToken   string      `json:"public_token,omitempty"`
	Status        AssetStatus `json:"status"`
	QuarantineKey string      `json:"-"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// IsReady reports whether the asset bytes are committed.
func (a *Asset) IsReady() bool {
	return a != nil && a.Status == AssetStatusReady
}

// IsPublic reports whether the asset may be served without a signature.
func (a *Asset) IsPublic() bool {
	return a != nil && a.Visibility == VisibilityPublic
}

// ClaimResult tags the outcome of claiming a content hash.
type ClaimResult int

const (
	// ClaimClaimed means the caller inserted the uploading row and owns the hash.
	ClaimClaimed ClaimResult = iota + 1
	// ClaimDuplicate means a live row for the hash already exists.
	ClaimDuplicate
)

func (c ClaimResult) String() string {
	switch c {
	case ClaimClaimed:
		return "claimed"
	case ClaimDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ObjectInfo describes a stored object returned by LocalDriver.List.
type ObjectInfo struct {
	Key       string
	Size      int64
	UpdatedAt time.Time
}

// ScanStatus is an antivirus verdict.
type ScanStatus string

const (
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanError    ScanStatus = "error"
)

// ScanResult is returned by a Scanner.
type ScanResult struct {
	Status    ScanStatus
	Signature string // name of the detected threat, when infected
	Err       error  // scanner failure, when Status is ScanError
}

// Clean reports whether the verdict allows the upload to proceed.
func (r ScanResult) Clean() bool {
	return r.Status == ScanClean
}
