package keyring

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasumi/pkg/store"
)

func newTestRotator(t *testing.T) (*Rotator, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := store.New("redis://"+mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return New(s), mr
}

func TestRotator_DefaultsToZero(t *testing.T) {
	r, _ := newTestRotator(t)
	assert.Equal(t, 0, r.StartIndex(context.Background(), 3))
}

func TestRotator_PersistsIndex(t *testing.T) {
	r, mr := newTestRotator(t)
	ctx := context.Background()

	r.SetIndex(ctx, 2)
	assert.Equal(t, 2, r.StartIndex(ctx, 3))

	got, err := mr.Get("api_key_index")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestRotator_ClampsToKeyCount(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()

	// A key was removed from the config since the index was written.
	r.SetIndex(ctx, 5)
	assert.Equal(t, 2, r.StartIndex(ctx, 3))
	assert.Equal(t, 0, r.StartIndex(ctx, 0), "no keys means index 0")
}

func TestRotator_GarbageValueDefaultsToLocal(t *testing.T) {
	r, mr := newTestRotator(t)
	mr.Set("api_key_index", "not-a-number")

	assert.Equal(t, 0, r.StartIndex(context.Background(), 3))
}

func TestRotator_LocalCopyWhenStoreDown(t *testing.T) {
	s, err := store.New("redis://127.0.0.1:1", "")
	require.NoError(t, err)
	defer s.Close()

	r := New(s)
	ctx := context.Background()

	assert.Equal(t, 0, r.StartIndex(ctx, 3))
	r.SetIndex(ctx, 1)
	assert.Equal(t, 1, r.StartIndex(ctx, 3))
}
