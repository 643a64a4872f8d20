// Package upload turns raw upload bytes into a committed, deduplicated asset.
//
// Every upload is staged in a local quarantine area, where its size is
// measured, its type sniffed, and it is scanned and hashed. The content hash
// is then claimed in the record store. The first claimant copies the bytes to
// their final key and marks the row ready. Any later claimant of the same
// hash waits for that row instead of storing a second copy.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/dedupe"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

// Outcome says whether an upload stored new bytes or reused an asset.
type Outcome string

const (
	OutcomeStored  Outcome = "stored"
	OutcomeDeduped Outcome = "deduped"
)

// Request is one upload.
type Request struct {
	Body         io.Reader
	DeclaredSize int64 // <= 0 when unknown
	FileName     string
	DeclaredMime string
	UploadedBy   *uuid.UUID
	Visibility   simplemedia.Visibility
}

// Policy holds the content rules applied to every upload.
type Policy struct {
	// MaxBytes is the global size ceiling; <= 0 disables it.
	MaxBytes int64
	// AllowedMimes maps each accepted MIME type to its own size ceiling
	// (<= 0 means only MaxBytes applies). An empty map accepts any type
	// that is not active content.
	AllowedMimes map[string]int64
	ScanEnabled  bool
	// Backend names the driver that receives committed bytes.
	Backend string
}

// Result is the committed asset and how it was obtained.
type Result struct {
	Asset   *simplemedia.Asset
	Outcome Outcome
}

// activeMimes are never accepted: browsers may execute them.
var activeMimes = map[string]bool{
	"image/svg+xml":         true,
	"text/html":             true,
	"application/xhtml+xml": true,
	"text/xml":              true,
	"application/xml":       true,
}

// Pipeline runs uploads.
type Pipeline struct {
	quarantine simplemedia.LocalDriver
	drivers    *simplemedia.Drivers
	repo       simplemedia.Repository
	scanner    simplemedia.Scanner
	waiter     *dedupe.Waiter
	keys       objectkey.Generator
	observer   simplemedia.Observer
	events     simplemedia.EventSink
	logger     *slog.Logger
	policy     Policy
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithPolicy(p Policy) Option {
	return func(pl *Pipeline) { pl.policy = p }
}

func WithScanner(s simplemedia.Scanner) Option {
	return func(pl *Pipeline) { pl.scanner = s }
}

func WithWaiter(w *dedupe.Waiter) Option {
	return func(pl *Pipeline) { pl.waiter = w }
}

func WithKeyGenerator(g objectkey.Generator) Option {
	return func(pl *Pipeline) { pl.keys = g }
}

func WithObserver(o simplemedia.Observer) Option {
	return func(pl *Pipeline) { pl.observer = o }
}

func WithEventSink(e simplemedia.EventSink) Option {
	return func(pl *Pipeline) { pl.events = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// New returns a Pipeline staging into quarantine and committing through
// drivers and repo.
func New(quarantine simplemedia.LocalDriver, drivers *simplemedia.Drivers, repo simplemedia.Repository, opts ...Option) *Pipeline {
	p := &Pipeline{
		quarantine: quarantine,
		drivers:    drivers,
		repo:       repo,
		scanner:    simplemedia.NoopScanner{},
		keys:       objectkey.NewGitLikeGenerator("media"),
		observer:   simplemedia.NoopObserver{},
		events:     simplemedia.NoopEventSink{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.waiter == nil {
		p.waiter = dedupe.New(repo)
	}
	return p
}

// Upload runs req through the pipeline. Failures carry one of the codes
// file_too_large, invalid_mime, virus_detected, pending or storage_error.
func (p *Pipeline) Upload(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := p.upload(ctx, req)
	var label string
	if err != nil {
		label = string(simplemedia.CodeOf(err))
		if label == "" {
			label = "error"
		}
	} else {
		label = string(res.Outcome)
	}
	p.observer.ObserveUpload(label, time.Since(start))
	return res, err
}

func (p *Pipeline) upload(ctx context.Context, req Request) (*Result, error) {
	declared := baseMime(req.DeclaredMime)
	if activeMimes[declared] {
		return nil, simplemedia.NewError(simplemedia.CodeInvalidMime, "upload", "mime="+declared, nil)
	}
	if req.DeclaredSize > 0 {
		if limit := p.ceiling(declared); req.DeclaredSize > limit {
			return nil, simplemedia.NewError(simplemedia.CodeFileTooLarge, "upload",
				fmt.Sprintf("size=%d limit=%d", req.DeclaredSize, limit), nil)
		}
	}

	qkey := p.keys.QuarantineKey(uuid.New())
	defer func() {
		if err := p.quarantine.Delete(context.WithoutCancel(ctx), qkey); err != nil {
			p.logger.Error("failed to remove quarantined upload", "quarantine_key", qkey, "error", err)
		}
	}()

	staged, err := p.stage(ctx, qkey, req.Body)
	if err != nil {
		return nil, err
	}

	mime, err := p.sniff(staged.path, declared)
	if err != nil {
		return nil, err
	}
	if limit := p.ceiling(mime); staged.size > limit {
		return nil, simplemedia.NewError(simplemedia.CodeFileTooLarge, "upload",
			fmt.Sprintf("mime=%s size=%d limit=%d", mime, staged.size, limit), nil)
	}

	if p.policy.ScanEnabled {
		verdict := p.scanner.Scan(ctx, staged.path)
		if !verdict.Clean() {
			p.logger.Warn("upload rejected by scanner",
				"status", verdict.Status, "signature", verdict.Signature, "error", verdict.Err, "content_hash", staged.hash)
			detail := string(verdict.Status)
			if verdict.Signature != "" {
				detail += " signature=" + verdict.Signature
			}
			return nil, simplemedia.NewError(simplemedia.CodeVirusDetected, "upload", detail, verdict.Err)
		}
	}

	// A duplicate whose owner vanishes while we wait gets one more claim.
	for attempt := 0; ; attempt++ {
		asset := &simplemedia.Asset{
			ContentHash:   staged.hash,
			DiskKey:       p.keys.AssetKey(staged.hash, mime),
			BackendName:   p.policy.Backend,
			OriginalName:  req.FileName,
			MimeType:      mime,
			SizeBytes:     staged.size,
			UploadedBy:    req.UploadedBy,
			Visibility:    req.Visibility,
			QuarantineKey: qkey,
		}
		claim, err := p.repo.Claim(ctx, asset)
		if err != nil {
			return nil, simplemedia.NewError(simplemedia.CodeStorageError, "upload.claim", "", err)
		}
		if claim == simplemedia.ClaimClaimed {
			return p.commit(ctx, asset, qkey)
		}

		existing, err := p.waiter.Wait(ctx, staged.hash)
		if err == nil {
			if err := p.events.AssetDeduped(ctx, existing); err != nil {
				p.logger.Warn("event sink failed", "event", "asset_deduped", "error", err)
			}
			return &Result{Asset: existing, Outcome: OutcomeDeduped}, nil
		}
		if simplemedia.IsNotFound(err) && attempt == 0 {
			p.logger.Info("dedupe owner vanished, reclaiming", "content_hash", staged.hash)
			continue
		}
		return nil, err
	}
}

type stagedUpload struct {
	path string
	size int64
	hash string
}

type counter struct{ n int64 }

func (c *counter) Write(b []byte) (int, error) {
	c.n += int64(len(b))
	return len(b), nil
}

// stage copies body into quarantine while hashing it. At most one byte
// past the global ceiling is read.
func (p *Pipeline) stage(ctx context.Context, qkey string, body io.Reader) (*stagedUpload, error) {
	if body == nil {
		return nil, simplemedia.NewError(simplemedia.CodeInvalidMime, "upload.stage", "empty upload", nil)
	}
	limit := p.policy.MaxBytes
	if limit <= 0 {
		limit = math.MaxInt64 - 1
	}
	h := sha256.New()
	n := &counter{}
	src := io.TeeReader(io.LimitReader(body, limit+1), io.MultiWriter(h, n))
	if err := p.quarantine.Put(ctx, qkey, src); err != nil {
		return nil, simplemedia.NewError(simplemedia.CodeStorageError, "upload.stage", "", err)
	}
	if n.n > limit {
		return nil, simplemedia.NewError(simplemedia.CodeFileTooLarge, "upload.stage",
			fmt.Sprintf("limit=%d exceeded", limit), nil)
	}
	if n.n == 0 {
		return nil, simplemedia.NewError(simplemedia.CodeInvalidMime, "upload.stage", "empty upload", nil)
	}
	path, err := p.quarantine.Path(qkey)
	if err != nil {
		return nil, simplemedia.NewError(simplemedia.CodeStorageError, "upload.stage", "", err)
	}
	return &stagedUpload{path: path, size: n.n, hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// sniff detects the type from the staged bytes and applies the MIME rules.
func (p *Pipeline) sniff(path, declared string) (string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", simplemedia.NewError(simplemedia.CodeStorageError, "upload.sniff", "", err)
	}
	detected := baseMime(mtype.String())

	for m := mtype; m != nil; m = m.Parent() {
		if activeMimes[baseMime(m.String())] {
			return "", simplemedia.NewError(simplemedia.CodeInvalidMime, "upload.sniff", "active content mime="+detected, nil)
		}
	}
	if len(p.policy.AllowedMimes) > 0 {
		if _, ok := p.policy.AllowedMimes[detected]; !ok {
			return "", simplemedia.NewError(simplemedia.CodeInvalidMime, "upload.sniff", "mime="+detected+" not allowed", nil)
		}
	}
	if declared != "" && declared != "application/octet-stream" && !mtype.Is(declared) {
		return "", simplemedia.NewError(simplemedia.CodeInvalidMime, "upload.sniff",
			fmt.Sprintf("declared=%s sniffed=%s", declared, detected), nil)
	}
	return detected, nil
}

// ceiling returns the effective size limit for mime.
func (p *Pipeline) ceiling(mime string) int64 {
	limit := p.policy.MaxBytes
	if limit <= 0 {
		limit = math.MaxInt64
	}
	if per, ok := p.policy.AllowedMimes[mime]; ok && per > 0 && per < limit {
		limit = per
	}
	return limit
}

// commit copies the staged bytes to their final key and flips the row to
// ready. On failure the row and any partial bytes are removed.
func (p *Pipeline) commit(ctx context.Context, asset *simplemedia.Asset, qkey string) (*Result, error) {
	logger := p.logger.With("asset_id", asset.ID, "content_hash", asset.ContentHash, "backend", asset.BackendName)

	revoked := false
	err := p.place(ctx, asset, qkey)
	if err == nil {
		err = p.repo.MarkReady(ctx, asset.ID)
		// the row is gone or no longer uploading: the reaper took the claim
		revoked = simplemedia.IsNotFound(err)
	}
	if err != nil {
		logger.Error("failed to commit upload", "disk_key", asset.DiskKey, "claim_revoked", revoked, "error", err)
		cleanup := context.WithoutCancel(ctx)
		if p.ownsDiskKey(cleanup, asset) {
			if driver, derr := p.drivers.Get(asset.BackendName); derr == nil {
				if derr := driver.Delete(cleanup, asset.DiskKey); derr != nil {
					logger.Error("failed to remove partial bytes", "disk_key", asset.DiskKey, "error", derr)
				}
			}
		} else {
			logger.Info("final key belongs to another upload, keeping bytes", "disk_key", asset.DiskKey)
		}
		if !revoked {
			if derr := p.repo.Delete(cleanup, asset.ID); derr != nil {
				logger.Error("failed to remove claimed row", "error", derr)
			}
		}
		return nil, simplemedia.NewError(simplemedia.CodeStorageError, "upload.commit", "", err)
	}

	asset.Status = simplemedia.AssetStatusReady
	asset.QuarantineKey = ""
	logger.Info("upload stored", "size_bytes", asset.SizeBytes, "mime_type", asset.MimeType)
	if err := p.events.AssetStored(ctx, asset); err != nil {
		logger.Warn("event sink failed", "event", "asset_stored", "error", err)
	}
	return &Result{Asset: asset, Outcome: OutcomeStored}, nil
}

// ownsDiskKey reports whether the bytes at asset.DiskKey may be removed on
// behalf of asset. Disk keys derive from the content hash, so another live
// row for the same hash shares them. A lookup failure keeps the bytes.
func (p *Pipeline) ownsDiskKey(ctx context.Context, asset *simplemedia.Asset) bool {
	live, err := p.repo.GetByHash(ctx, asset.ContentHash)
	if err != nil {
		return simplemedia.IsNotFound(err)
	}
	if live.ID == asset.ID {
		return true
	}
	return live.DiskKey != asset.DiskKey || live.BackendName != asset.BackendName
}

func (p *Pipeline) place(ctx context.Context, asset *simplemedia.Asset, qkey string) error {
	driver, err := p.drivers.Get(asset.BackendName)
	if err != nil {
		return err
	}
	src, err := p.quarantine.GetStream(ctx, qkey)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := driver.Put(ctx, asset.DiskKey, src); err != nil {
		return err
	}
	size, err := driver.Size(ctx, asset.DiskKey)
	if err != nil {
		return err
	}
	if size != asset.SizeBytes {
		return fmt.Errorf("size mismatch after copy: stored %d, staged %d", size, asset.SizeBytes)
	}
	return nil
}

func baseMime(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}
