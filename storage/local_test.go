package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/core"
)

func newTestStorage(t *testing.T) *LocalDirStorage {
	t.Helper()
	s, err := NewLocalDirStorage(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestLocalDirStorage_PutGetRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	key, err := PutBytes(ctx, s, []byte("segment payload"))
	require.NoError(t, err)
	require.NotEmpty(t, key)

	data, err := GetBytes(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, "segment payload", string(data))

	// Every put mints a fresh key.
	other, err := PutBytes(ctx, s, []byte("segment payload"))
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestLocalDirStorage_GetMissingKey(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Get(context.Background(), "no-such-object")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLocalDirStorage_CacheKeyScopedToInstance(t *testing.T) {
	a := newTestStorage(t)
	b := newTestStorage(t)
	assert.NotEqual(t, a.CacheKey("k"), b.CacheKey("k"))
	assert.Equal(t, a.CacheKey("k"), a.CacheKey("k"))
}

func TestLocalDirStorage_CancelledContext(t *testing.T) {
	s := newTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PutBytes(ctx, s, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
