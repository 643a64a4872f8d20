package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/antivirus"
	"github.com/tendant/simple-media/pkg/simplemedia/dedupe"
	"github.com/tendant/simple-media/pkg/simplemedia/imaging"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/thumbnail"
	"github.com/tendant/simple-media/pkg/simplemedia/upload"
)

const secret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	router http.Handler
	repo   *memory.Repository
	signer *presigned.Signer
}

func setupMediaHandlerTest(t *testing.T, scanner simplemedia.Scanner) *testEnv {
	t.Helper()
	repo := memory.New()
	drivers := simplemedia.NewDrivers()
	drivers.Register("mem", memorystorage.New("mem"))
	quarantine, err := fs.New(fs.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	policy := upload.Policy{
		MaxBytes:     64 << 10,
		AllowedMimes: map[string]int64{"image/png": 0, "image/jpeg": 0, "text/plain": 0},
		ScanEnabled:  scanner != nil,
		Backend:      "mem",
	}
	opts := []upload.Option{
		upload.WithPolicy(policy),
		upload.WithWaiter(dedupe.New(repo, dedupe.WithPolicy(dedupe.Policy{
			Timeout: 5 * time.Millisecond, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
		}))),
	}
	if scanner != nil {
		opts = append(opts, upload.WithScanner(scanner))
	}

	signer := presigned.New(presigned.WithSecretKey(secret))
	thumbCfg := thumbnail.DefaultConfig()
	thumbCfg.Variants = map[string]int{"sm": 16}

	h := NewMediaHandler(Deps{
		Pipeline:        upload.New(quarantine, drivers, repo, opts...),
		Repository:      repo,
		Drivers:         drivers,
		Thumbnails:      thumbnail.New(drivers, imaging.New(nil), thumbnail.WithScratchDir(t.TempDir())),
		ThumbnailConfig: thumbCfg,
		Signer:          signer,
		PublicBaseURL:   "http://media.test/",
		MaxUploadBytes:  64 << 10,
		LinkTTL:         time.Minute,
	})
	return &testEnv{router: h.Routes(), repo: repo, signer: signer}
}

func pngBytes(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 16))
	for x := 0; x < 32; x++ {
		img.Set(x, x%16, color.RGBA{R: seed, G: uint8(x * 8), A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{`form-data; name="` + field + `"; filename="` + filename + `"`}
	hdr["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, query, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, "file", "pic.png", contentType, data)
	req := httptest.NewRequest(http.MethodPost, "/assets"+query, body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeAsset(t *testing.T, rec *httptest.ResponseRecorder) AssetResponse {
	t.Helper()
	var resp AssetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func requestURI(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "media.test", u.Host)
	return u.RequestURI()
}

func TestMediaHandler_UploadAndDedupe(t *testing.T) {
	e := setupMediaHandlerTest(t, nil)
	data := pngBytes(t, 1)

	rec := e.upload(t, "", "image/png", data)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeAsset(t, rec)
	assert.Equal(t, "stored", first.Outcome)
	assert.Equal(t, "image/png", first.MimeType)
	assert.Equal(t, "private", first.Visibility)
	assert.Equal(t, int64(len(data)), first.SizeBytes)
	assert.Contains(t, first.URL, "sig=")
	assert.Contains(t, first.Thumbnails, "sm")

	rec = e.upload(t, "", "image/png", data)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeAsset(t, rec)
	assert.Equal(t, "deduped", second.Outcome)
	assert.Equal(t, first.ID, second.ID)
}

func TestMediaHandler_UploadRejections(t *testing.T) {
	e := setupMediaHandlerTest(t, nil)

	tests := []struct {
		name     string
		query    string
		mime     string
		data     []byte
		status   int
		code     string
		contains string
	}{
		{"active content", "", "image/svg+xml", []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`), http.StatusUnsupportedMediaType, "invalid_mime", ""},
		{"disallowed type", "", "application/pdf", []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n"), http.StatusUnsupportedMediaType, "invalid_mime", ""},
		{"too large", "", "text/plain", bytes.Repeat([]byte("a"), 100<<10), http.StatusRequestEntityTooLarge, "file_too_large", "limit"},
		{"bad visibility", "?visibility=secret", "image/png", pngBytes(t, 2), http.StatusBadRequest, "bad_request", ""},
		{"bad uploader", "?uploaded_by=bob", "image/png", pngBytes(t, 2), http.StatusBadRequest, "bad_request", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.upload(t, tt.query, tt.mime, tt.data)
			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Code)
			assert.Contains(t, body.Message, tt.contains)
		})
	}
}

func TestMediaHandler_UploadRequiresFilePart(t *testing.T) {
	e := setupMediaHandlerTest(t, nil)

	body, ct := multipartBody(t, "other", "x.png", "image/png", pngBytes(t, 3))
	req := httptest.NewRequest(http.MethodPost, "/assets", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/assets", bytes.NewReader([]byte("raw")))
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMediaHandler_UploadInfected(t *testing.T) {
	e := setupMediaHandlerTest(t, antivirus.Func(func(context.Context, string) simplemedia.ScanResult {
		return simplemedia.ScanResult{Status: simplemedia.ScanInfected, Signature: "Eicar-Test-Signature"}
	}))
	rec := e.upload(t, "", "image/png", pngBytes(t, 4))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "virus_detected", decodeError(t, rec).Code)
}

func TestMediaHandler_UploadPending(t *testing.T) {
	e := setupMediaHandlerTest(t, nil)
	data := pngBytes(t, 5)
	sum := sha256.Sum256(data)
	_, err := e.repo.Claim(context.Background(), &simplemedia.Asset{
		ContentHash: hex.EncodeToString(sum[:]),
		DiskKey:     "media/in-flight.png",
		BackendName: "mem",
		MimeType:    "image/png",
	})
	require.NoError(t, err)

	rec := e.upload(t, "", "image/png", data)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "pending", decodeError(t, rec).Code)
}

func TestMediaHandler_GetAsset(t *testing.T) {
	e := setupMediaHandlerTest(t, nil)
	data := pngBytes(t, 6)
	asset := decodeAsset(t, e.upload(t, "", "image/png", data))
	path := "/assets/" + asset.ID

	t.Run("signed view", func(t *testing.T) {
		rec := e.get(requestURI(t, asset.URL))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, data, rec.Body.Bytes())
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.Equal(t, `"`+asset.ContentHash+`"`, rec.Header().Get("ETag"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "private, no-store", rec.Header().Get("Cache-Control"))
	})

	t.Run("not modified", func(t *testing.T) {
		rec := e.get(requestURI(t, asset.URL), "If-None-Match", `"`+asset.ContentHash+`"`)
		assert.Equal(t, http.StatusNotModified, rec.Code)
	})

	t.Run("no capability", func(t *testing.T) {
		rec := e.get(path)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "signature_invalid", decodeError(t, rec).Code)
	})

	t.Run("thumbnail capability cannot read the original", func(t *testing.T) {
		rec := e.get(path + "?" + mustQuery(t, asset.Thumbnails["sm"]))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("expired", func(t *testing.T) {
		id := uuid.MustParse(asset.ID)
		exp := time.Now().Add(-time.Minute).Unix()
		q := url.Values{"p": {"view"}, "exp": {strconv.FormatInt(exp, 10)}, "sig": {e.signer.Sign(id, "view", exp)}}
		rec := e.get(path + "?" + q.Encode())
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "signature_expired", decodeError(t, rec).Code)
	})

	t.Run("unknown and malformed ids", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, e.get("/assets/"+uuid.NewString()).Code)
		assert.Equal(t, http.StatusNotFound, e.get("/assets/not-a-uuid").Code)
	})
}

func TestMediaHandler_PublicAsset(t *testing.T) {
	e := setupMediaHandlerTest(t, nil)
	data := pngBytes(t, 7)
	rec := e.upload(t, "?visibility=public&uploaded_by="+uuid.NewString(), "image/png", data)
	require.Equal(t, http.StatusCreated, rec.Code)
	asset := decodeAsset(t, rec)
	assert.Equal(t, "public", asset.Visibility)
	assert.Equal(t, "http://media.test/assets/"+asset.ID, asset.URL)

	rec = e.get("/assets/" + asset.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Contains(t, rec.Header().Get("Cache-Control"), "public")
}

func TestMediaHandler_GetThumbnail(t *testing.T) {
	e := setupMediaHandlerTest(t, nil)
	asset := decodeAsset(t, e.upload(t, "", "image/png", pngBytes(t, 8)))

	rec := e.get(requestURI(t, asset.Thumbnails["sm"]))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	img, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	again := e.get(requestURI(t, asset.Thumbnails["sm"]))
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, rec.Body.Bytes(), again.Body.Bytes())

	// a view capability does not authorize a thumbnail
	rec = e.get("/assets/" + asset.ID + "/thumbs/sm?" + mustQuery(t, asset.URL))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// validly signed but unconfigured variant
	id := uuid.MustParse(asset.ID)
	u, err := e.signer.BuildSignedURL("/assets/"+asset.ID+"/thumbs/xl", &simplemedia.Asset{ID: id}, "thumb:xl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, e.get(u).Code)
}

func TestMediaHandler_Health(t *testing.T) {
	e := setupMediaHandlerTest(t, nil)
	rec := e.get("/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status   string   `json:"status"`
		Backends []string `json:"backends"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, []string{"mem"}, body.Backends)
}

func TestStatusFor(t *testing.T) {
	tests := map[simplemedia.Code]int{
		simplemedia.CodeFileTooLarge:     http.StatusRequestEntityTooLarge,
		simplemedia.CodeInvalidMime:      http.StatusUnsupportedMediaType,
		simplemedia.CodeVirusDetected:    http.StatusUnprocessableEntity,
		simplemedia.CodePending:          http.StatusAccepted,
		simplemedia.CodeSignatureInvalid: http.StatusForbidden,
		simplemedia.CodeSignatureExpired: http.StatusForbidden,
		simplemedia.CodeNotFound:         http.StatusNotFound,
		simplemedia.CodeStorageError:     http.StatusInternalServerError,
		"":                               http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), string(code))
	}
}

func mustQuery(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.RawQuery
}
