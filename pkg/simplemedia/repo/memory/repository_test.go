package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
)

func TestRepository_ClaimLifecycle(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	a := &simplemedia.Asset{ContentHash: "h1", DiskKey: "media/h1.png", BackendName: "fs", MimeType: "image/png"}
	res, err := repo.Claim(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.ClaimClaimed, res)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, simplemedia.AssetStatusUploading, a.Status)
	assert.Equal(t, simplemedia.VisibilityPrivate, a.Visibility)

	res, err = repo.Claim(ctx, &simplemedia.Asset{ContentHash: "h1"})
	require.NoError(t, err)
	assert.Equal(t, simplemedia.ClaimDuplicate, res)

	require.NoError(t, repo.MarkReady(ctx, a.ID))
	got, err := repo.GetByHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, got.IsReady())

	// still a duplicate once ready
	res, err = repo.Claim(ctx, &simplemedia.Asset{ContentHash: "h1"})
	require.NoError(t, err)
	assert.Equal(t, simplemedia.ClaimDuplicate, res)

	deleted, err := repo.DeleteUploading(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "ready rows are not deleted conditionally")

	require.NoError(t, repo.Delete(ctx, a.ID))
	_, err = repo.Get(ctx, a.ID)
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)

	// hash is free again
	res, err = repo.Claim(ctx, &simplemedia.Asset{ContentHash: "h1"})
	require.NoError(t, err)
	assert.Equal(t, simplemedia.ClaimClaimed, res)
}

func TestRepository_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	const n = 32
	results := make([]simplemedia.ClaimResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := repo.Claim(ctx, &simplemedia.Asset{ContentHash: "same"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	claimed := 0
	for _, r := range results {
		if r == simplemedia.ClaimClaimed {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed)
}

func TestRepository_ListStaleUploading(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, time.Minute} {
		_, err := repo.Claim(ctx, &simplemedia.Asset{ContentHash: fmt.Sprintf("h%d", i), CreatedAt: now.Add(-age)})
		require.NoError(t, err)
	}
	ready := &simplemedia.Asset{ContentHash: "ready", CreatedAt: now.Add(-5 * time.Hour)}
	_, err := repo.Claim(ctx, ready)
	require.NoError(t, err)
	require.NoError(t, repo.MarkReady(ctx, ready.ID))

	stale, err := repo.ListStaleUploading(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "h0", stale[0].ContentHash)
	assert.Equal(t, "h1", stale[1].ContentHash)
}

func TestRepository_SetVisibility(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	a := &simplemedia.Asset{ContentHash: "h"}
	_, err := repo.Claim(ctx, a)
	require.NoError(t, err)

	require.NoError(t, repo.SetVisibility(ctx, a.ID, simplemedia.VisibilityPublic, "tok"))
	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPublic())
	assert.Equal(t, "tok", got.PublicToken)

	err = repo.SetVisibility(ctx, uuid.New(), simplemedia.VisibilityPublic, "")
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}

func TestRepository_ReturnsCopies(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	a := &simplemedia.Asset{ContentHash: "h", MimeType: "image/png"}
	_, err := repo.Claim(ctx, a)
	require.NoError(t, err)
	a.MimeType = "changed"

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/png", got.MimeType)
}
