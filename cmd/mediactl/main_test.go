package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/config"
	"github.com/tendant/simple-media/pkg/simplemedia/upload"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// memoryRuntime points mediactl at one in-memory runtime shared by every
// command run in the test.
func memoryRuntime(t *testing.T) *config.Runtime {
	t.Helper()
	t.Setenv("MEDIA_STORAGE_BACKEND", "memory")
	t.Setenv("MEDIA_FS_BASE_DIR", t.TempDir())
	t.Setenv("MEDIA_QUARANTINE_DIR", t.TempDir())
	t.Setenv("MEDIA_SIGNING_SECRET", testSecret)
	t.Setenv("MEDIA_PUBLIC_BASE_URL", "https://media.example")

	c, err := config.Load(config.WithEnv())
	require.NoError(t, err)
	rt, err := c.Build(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)

	prev := newRuntime
	newRuntime = func(context.Context) (*config.Runtime, error) { return rt, nil }
	t.Cleanup(func() { newRuntime = prev })
	return rt
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	signVariant, signTTL, reapStaleAfter = "", 0, 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func storePNG(t *testing.T, rt *config.Runtime) *simplemedia.Asset {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 24))
	for x := 0; x < 48; x++ {
		img.Set(x, x%24, color.RGBA{R: uint8(x * 5), G: 40, B: 90, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	res, err := rt.Pipeline.Upload(context.Background(), upload.Request{
		Body:         &buf,
		FileName:     "pic.png",
		DeclaredMime: "image/png",
	})
	require.NoError(t, err)
	return res.Asset
}

func TestVisibilityCommand(t *testing.T) {
	rt := memoryRuntime(t)
	asset := storePNG(t, rt)
	ctx := context.Background()

	out, err := execute(t, "visibility", asset.ID.String(), "public")
	require.NoError(t, err)
	assert.Contains(t, out, "is now public")
	row, err := rt.Repository.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.True(t, row.IsPublic())
	assert.NotEmpty(t, row.PublicToken)

	_, err = execute(t, "visibility", asset.ID.String(), "private")
	require.NoError(t, err)
	row, err = rt.Repository.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.False(t, row.IsPublic())
	assert.Empty(t, row.PublicToken)

	_, err = execute(t, "visibility", asset.ID.String(), "shared")
	assert.ErrorContains(t, err, "public or private")

	_, err = execute(t, "visibility", uuid.NewString(), "public")
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}

func TestThumbsSyncCommand(t *testing.T) {
	rt := memoryRuntime(t)
	asset := storePNG(t, rt)

	out, err := execute(t, "thumbs", "sync", asset.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "generated=3 skipped=0 failed=0")

	out, err = execute(t, "thumbs", "sync", asset.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "generated=0 skipped=3 failed=0")

	_, err = execute(t, "thumbs", "sync", "not-a-uuid", uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-uuid")
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}

func TestReapCommand(t *testing.T) {
	rt := memoryRuntime(t)
	ctx := context.Background()

	stale := &simplemedia.Asset{
		ContentHash: "abandoned",
		DiskKey:     "media/abandoned",
		BackendName: "memory",
		CreatedAt:   time.Now().Add(-2 * time.Hour),
	}
	_, err := rt.Repository.Claim(ctx, stale)
	require.NoError(t, err)

	out, err := execute(t, "reap", "--stale-after", "3h")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned=0 deleted=0")

	out, err = execute(t, "reap", "--stale-after", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned=1 deleted=1")
	_, err = rt.Repository.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}

func TestSignCommand(t *testing.T) {
	memoryRuntime(t)
	id := uuid.NewString()

	out, err := execute(t, "sign", id, "--variant", "sm", "--ttl", "5m")
	require.NoError(t, err)
	assert.Contains(t, out, "https://media.example/assets/"+id+"/thumbs/sm?")
	assert.Contains(t, out, "p=thumb%3Asm")
	assert.Contains(t, out, "sig=")

	out, err = execute(t, "sign", id)
	require.NoError(t, err)
	assert.Contains(t, out, "p=view")

	_, err = execute(t, "sign", id, "--variant", "huge")
	assert.ErrorContains(t, err, "unknown variant")
}

func TestEnvCommand(t *testing.T) {
	out, err := execute(t, "env")
	require.NoError(t, err)
	assert.Contains(t, out, "MEDIA_PORT")
}
