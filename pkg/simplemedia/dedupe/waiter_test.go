package dedupe_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/dedupe"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
)

// fakeTime advances only when the waiter sleeps.
type fakeTime struct {
	now    time.Time
	sleeps []time.Duration
	onTick func(n int)
}

func (f *fakeTime) clock() time.Time { return f.now }

func (f *fakeTime) sleep(_ context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	if f.onTick != nil {
		f.onTick(len(f.sleeps))
	}
	return nil
}

func claim(t *testing.T, repo *memory.Repository, hash string) *simplemedia.Asset {
	t.Helper()
	a := &simplemedia.Asset{ContentHash: hash, DiskKey: "k", BackendName: "fs", MimeType: "image/png"}
	res, err := repo.Claim(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, simplemedia.ClaimClaimed, res)
	return a
}

func TestWaitForReady_BackoffThenPending(t *testing.T) {
	repo := memory.New()
	claim(t, repo, "h")
	ft := &fakeTime{now: time.Unix(0, 0)}
	w := dedupe.New(repo)

	policy := dedupe.Policy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Timeout:        100 * time.Millisecond,
	}
	_, err := w.WaitForReady(context.Background(), "h", policy, ft.sleep, ft.clock)

	require.Error(t, err)
	assert.ErrorIs(t, err, simplemedia.ErrPending)
	assert.Equal(t, simplemedia.CodePending, simplemedia.CodeOf(err))
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
	}, ft.sleeps)
}

func TestWaitForReady_ReturnsOnceReady(t *testing.T) {
	repo := memory.New()
	a := claim(t, repo, "h")
	ft := &fakeTime{now: time.Unix(0, 0)}
	ft.onTick = func(n int) {
		if n == 2 {
			require.NoError(t, repo.MarkReady(context.Background(), a.ID))
		}
	}

	w := dedupe.New(repo, dedupe.WithSleep(ft.sleep), dedupe.WithClock(ft.clock), dedupe.WithPolicy(dedupe.Policy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     time.Second,
		Timeout:        time.Minute,
	}))
	got, err := w.Wait(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.True(t, got.IsReady())
	assert.Len(t, ft.sleeps, 2)
}

func TestWaitForReady_AlreadyReadyDoesNotSleep(t *testing.T) {
	repo := memory.New()
	a := claim(t, repo, "h")
	require.NoError(t, repo.MarkReady(context.Background(), a.ID))

	ft := &fakeTime{now: time.Unix(0, 0)}
	got, err := dedupe.New(repo, dedupe.WithSleep(ft.sleep), dedupe.WithClock(ft.clock)).Wait(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Empty(t, ft.sleeps)
}

func TestWaitForReady_RowVanishes(t *testing.T) {
	repo := memory.New()
	a := claim(t, repo, "h")
	ft := &fakeTime{now: time.Unix(0, 0)}
	ft.onTick = func(int) {
		require.NoError(t, repo.Delete(context.Background(), a.ID))
	}

	_, err := dedupe.New(repo, dedupe.WithSleep(ft.sleep), dedupe.WithClock(ft.clock)).Wait(context.Background(), "h")
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}

func TestSleep_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := dedupe.Sleep(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
}
