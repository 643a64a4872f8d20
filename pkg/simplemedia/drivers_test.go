package simplemedia_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
	memstore "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
)

type storageOp struct {
	backend, op string
	failed      bool
}

type recordingObserver struct {
	simplemedia.NoopObserver
	mu  sync.Mutex
	ops []storageOp
}

func (o *recordingObserver) ObserveStorageOp(backend, op string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, storageOp{backend: backend, op: op, failed: err != nil})
}

func TestDrivers_Registry(t *testing.T) {
	reg := simplemedia.NewDrivers()
	reg.Register("b", memstore.New("b"))
	reg.Register("a", memstore.New("a"))

	assert.Equal(t, []string{"a", "b"}, reg.Names())

	d, err := reg.Get("a")
	require.NoError(t, err)
	assert.NotNil(t, d)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, simplemedia.ErrStorageBackendNotFound)
	assert.Contains(t, err.Error(), "missing")
}

func TestObserveDriver_ReportsOperations(t *testing.T) {
	store := memstore.New("mem")
	obs := &recordingObserver{}
	d := simplemedia.ObserveDriver("mem", store, obs)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, "k", bytes.NewReader([]byte("v"))))
	ok, err := d.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	rc, err := d.GetStream(ctx, "k")
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "v", string(got))

	// a missing object is an answer, not a backend failure
	_, err = d.GetStream(ctx, "absent")
	assert.True(t, simplemedia.IsNotFound(err))

	store.FailOn("delete", errors.New("read-only"))
	assert.Error(t, d.Delete(ctx, "k"))

	assert.Equal(t, []storageOp{
		{"mem", "put", false},
		{"mem", "exists", false},
		{"mem", "get", false},
		{"mem", "get", false},
		{"mem", "delete", true},
	}, obs.ops)
}

func TestObserveDriver_KeepsLocalDriver(t *testing.T) {
	local, err := fs.New(fs.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	obs := &recordingObserver{}

	d := simplemedia.ObserveDriver("quarantine", local, obs)
	ld, ok := d.(simplemedia.LocalDriver)
	require.True(t, ok)

	ctx := context.Background()
	require.NoError(t, ld.PutContents(ctx, "q/a", []byte("x")))
	p, err := ld.Path("q/a")
	require.NoError(t, err)
	assert.FileExists(t, p)

	objs, err := ld.List(ctx, "q/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "q/a", objs[0].Key)

	_, isLocal := simplemedia.ObserveDriver("mem", memstore.New("mem"), obs).(simplemedia.LocalDriver)
	assert.False(t, isLocal)
	assert.Same(t, local, simplemedia.ObserveDriver("x", local, nil))
}
