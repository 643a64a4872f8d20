package memory_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
)

func TestDriver_BasicOps(t *testing.T) {
	d := memory.New("mem")
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, "a/b", bytes.NewReader([]byte("hello"))))

	ok, err := d.Exists(ctx, "a/b")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := d.Size(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	rc, err := d.GetStream(ctx, "a/b")
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(got))

	assert.Equal(t, []string{"a/b"}, d.Keys("a/"))

	require.NoError(t, d.Delete(ctx, "a/b"))
	require.NoError(t, d.Delete(ctx, "a/b"))

	_, err = d.GetStream(ctx, "a/b")
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}

func TestDriver_FailOn(t *testing.T) {
	d := memory.New("")
	ctx := context.Background()
	boom := errors.New("disk on fire")

	d.FailOn("put", boom)
	err := d.PutContents(ctx, "k", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, simplemedia.ErrStorage)

	var se *simplemedia.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "memory", se.Backend)

	d.FailOn("put", nil)
	require.NoError(t, d.PutContents(ctx, "k", []byte("x")))
}
