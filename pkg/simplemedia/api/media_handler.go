// Package api exposes uploads, originals and thumbnails over HTTP.
package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
	"github.com/tendant/simple-media/pkg/simplemedia/thumbnail"
	"github.com/tendant/simple-media/pkg/simplemedia/upload"
)

// multipartOverhead is allowed on top of the upload ceiling for
// boundaries and part headers.
const multipartOverhead = 1 << 20

// Deps are the components a MediaHandler serves.
type Deps struct {
	Pipeline        *upload.Pipeline
	Repository      simplemedia.Repository
	Drivers         *simplemedia.Drivers
	Thumbnails      *thumbnail.Cache
	ThumbnailConfig thumbnail.Config
	Signer          *presigned.Signer
	Logger          *slog.Logger

	// PublicBaseURL prefixes returned links; empty derives it from the request.
	PublicBaseURL string
	// MaxUploadBytes bounds the request body; <= 0 leaves it unbounded.
	MaxUploadBytes int64
	// LinkTTL is the lifetime of links returned after an upload.
	LinkTTL time.Duration
	// RetryAfter is sent with 202 responses while a duplicate is pending.
	RetryAfter time.Duration
}

// MediaHandler serves the media endpoints.
type MediaHandler struct {
	deps   Deps
	logger *slog.Logger
}

func NewMediaHandler(deps Deps) *MediaHandler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RetryAfter <= 0 {
		deps.RetryAfter = 2 * time.Second
	}
	return &MediaHandler{deps: deps, logger: deps.Logger}
}

// Routes returns the router for media endpoints
func (h *MediaHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Post("/assets", h.Upload)
	r.Get("/assets/{id}", h.GetAsset)
	r.With(presigned.RequireSignature(h.deps.Signer, "id", func(r *http.Request) string {
		return presigned.ThumbPurpose(chi.URLParam(r, "variant"))
	})).Get("/assets/{id}/thumbs/{variant}", h.GetThumbnail)
	return r
}

// AssetResponse describes a stored asset.
type AssetResponse struct {
	ID           string            `json:"id"`
	ContentHash  string            `json:"content_hash"`
	MimeType     string            `json:"mime_type"`
	SizeBytes    int64             `json:"size_bytes"`
	OriginalName string            `json:"original_name,omitempty"`
	Visibility   string            `json:"visibility"`
	CreatedAt    time.Time         `json:"created_at"`
	Outcome      string            `json:"outcome"`
	URL          string            `json:"url,omitempty"`
	Thumbnails   map[string]string `json:"thumbnails,omitempty"`
}

// Upload stores the multipart "file" part. The optional query parameters
// visibility (public|private) and uploaded_by (uuid) apply to a newly
// stored asset.
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	req := upload.Request{Visibility: simplemedia.VisibilityPrivate}
	switch v := r.URL.Query().Get("visibility"); v {
	case "", string(simplemedia.VisibilityPrivate):
	case string(simplemedia.VisibilityPublic):
		req.Visibility = simplemedia.VisibilityPublic
	default:
		writeError(w, r, http.StatusBadRequest, "bad_request", "visibility must be public or private")
		return
	}
	if s := r.URL.Query().Get("uploaded_by"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", "invalid uploaded_by")
			return
		}
		req.UploadedBy = &id
	}

	if h.deps.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "multipart/form-data body required")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, r, http.StatusBadRequest, "bad_request", `missing "file" part`)
			return
		}
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		req.Body = part
		req.FileName = part.FileName()
		req.DeclaredMime = part.Header.Get("Content-Type")
		break
	}

	res, err := h.deps.Pipeline.Upload(r.Context(), req)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Outcome == upload.OutcomeDeduped {
		status = http.StatusOK
	}
	render.Status(r, status)
	render.JSON(w, r, h.describe(r, res.Asset, string(res.Outcome)))
}

func (h *MediaHandler) describe(r *http.Request, a *simplemedia.Asset, outcome string) AssetResponse {
	resp := AssetResponse{
		ID:           a.ID.String(),
		ContentHash:  a.ContentHash,
		MimeType:     a.MimeType,
		SizeBytes:    a.SizeBytes,
		OriginalName: a.OriginalName,
		Visibility:   string(a.Visibility),
		CreatedAt:    a.CreatedAt,
		Outcome:      outcome,
	}
	base := h.baseURL(r) + "/assets/" + a.ID.String()
	if a.IsPublic() {
		resp.URL = base
	} else if h.deps.Signer.IsEnabled() {
		resp.URL, _ = h.deps.Signer.BuildSignedURL(base, a, presigned.PurposeView, h.deps.LinkTTL)
	}
	if !h.deps.Signer.IsEnabled() || h.deps.Thumbnails == nil {
		return resp
	}
	for variant := range h.deps.ThumbnailConfig.Variants {
		u, err := h.deps.Signer.BuildSignedURL(base+"/thumbs/"+variant, a, presigned.ThumbPurpose(variant), h.deps.LinkTTL)
		if err != nil {
			continue
		}
		if resp.Thumbnails == nil {
			resp.Thumbnails = make(map[string]string)
		}
		resp.Thumbnails[variant] = u
	}
	return resp
}

// GetAsset streams the original. Private assets need a view capability.
func (h *MediaHandler) GetAsset(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.loadAsset(w, r)
	if !ok {
		return
	}
	if !asset.IsPublic() {
		params, err := presigned.ParseParams(r.URL.Query())
		if err == nil {
			err = h.deps.Signer.Verify(presigned.PurposeView, params, asset)
		}
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
	}

	driver, err := h.deps.Drivers.Get(asset.BackendName)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	etag := `"` + asset.ContentHash + `"`
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	rc, err := driver.GetStream(r.Context(), asset.DiskKey)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	defer rc.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", asset.MimeType)
	hdr.Set("Content-Length", strconv.FormatInt(asset.SizeBytes, 10))
	hdr.Set("ETag", etag)
	hdr.Set("X-Content-Type-Options", "nosniff")
	if cd := mime.FormatMediaType("inline", map[string]string{"filename": asset.OriginalName}); asset.OriginalName != "" && cd != "" {
		hdr.Set("Content-Disposition", cd)
	}
	if asset.IsPublic() {
		hdr.Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		hdr.Set("Cache-Control", "private, no-store")
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("asset copy interrupted", "asset_id", asset.ID, "error", err)
	}
}

// GetThumbnail serves one variant, generating it on first request.
// RequireSignature has already checked the thumb:<variant> capability.
func (h *MediaHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.loadAsset(w, r)
	if !ok {
		return
	}
	variant := chi.URLParam(r, "variant")
	rc, err := h.deps.Thumbnails.Open(r.Context(), asset, variant, h.deps.ThumbnailConfig)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	defer rc.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", formatMime(h.deps.ThumbnailConfig.Format))
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("thumbnail copy interrupted", "asset_id", asset.ID, "variant", variant, "error", err)
	}
}

// Health reports liveness and the registered backends.
func (h *MediaHandler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":   "ok",
		"backends": h.deps.Drivers.Names(),
	})
}

func (h *MediaHandler) loadAsset(w http.ResponseWriter, r *http.Request) (*simplemedia.Asset, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, string(simplemedia.CodeNotFound), "asset not found")
		return nil, false
	}
	asset, err := h.deps.Repository.Get(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return nil, false
	}
	if !asset.IsReady() {
		writeError(w, r, http.StatusNotFound, string(simplemedia.CodeNotFound), "asset not found")
		return nil, false
	}
	return asset, true
}

// writeFailure maps a classified error to its HTTP status. Validation
// failures carry their detail; storage failures are logged and reported
// generically.
func (h *MediaHandler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, r, http.StatusRequestEntityTooLarge, string(simplemedia.CodeFileTooLarge),
			fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
		return
	}

	code := simplemedia.CodeOf(err)
	status := statusFor(code)
	switch code {
	case simplemedia.CodePending:
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(h.deps.RetryAfter.Seconds()))))
		writeError(w, r, status, string(code), "an identical upload is still in progress; retry later")
	case simplemedia.CodeSignatureInvalid, simplemedia.CodeSignatureExpired:
		h.logger.Debug("capability rejected", "path", r.URL.Path, "error", err)
		writeError(w, r, status, string(code), "access denied")
	case simplemedia.CodeNotFound:
		writeError(w, r, status, string(code), "not found")
	case simplemedia.CodeFileTooLarge, simplemedia.CodeInvalidMime, simplemedia.CodeVirusDetected,
		simplemedia.CodeTooManyPixels, simplemedia.CodeDecodeFailed:
		writeError(w, r, status, string(code), detail(err))
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, r, status, string(simplemedia.CodeStorageError), "internal storage error")
	}
}

func statusFor(code simplemedia.Code) int {
	switch code {
	case simplemedia.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case simplemedia.CodeInvalidMime:
		return http.StatusUnsupportedMediaType
	case simplemedia.CodeVirusDetected, simplemedia.CodeTooManyPixels, simplemedia.CodeDecodeFailed:
		return http.StatusUnprocessableEntity
	case simplemedia.CodePending:
		return http.StatusAccepted
	case simplemedia.CodeSignatureInvalid, simplemedia.CodeSignatureExpired:
		return http.StatusForbidden
	case simplemedia.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// detail returns the caller-facing part of a classified error.
func detail(err error) string {
	var e *simplemedia.Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	return string(simplemedia.CodeOf(err))
}

func formatMime(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func (h *MediaHandler) baseURL(r *http.Request) string {
	if h.deps.PublicBaseURL != "" {
		return strings.TrimRight(h.deps.PublicBaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}
