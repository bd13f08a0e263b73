package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradepop-crawler/internal/kv"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	value := []byte("v1")
	require.NoError(t, s.Set(ctx, "settings:auto", value))
	value[0] = 'x'

	got, err := s.Get(ctx, "settings:auto")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, s.Remove(ctx, "settings:auto"))
	require.NoError(t, s.Remove(ctx, "settings:auto"))
	_, err = s.Get(ctx, "settings:auto")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStoreKeysByPrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	for _, k := range []string{"cache:b", "cache:a", "history", "cachex"} {
		require.NoError(t, s.Set(ctx, k, []byte("{}")))
	}

	keys, err := s.Keys(ctx, "cache:")
	require.NoError(t, err)
	require.Equal(t, []string{"cache:a", "cache:b"}, keys)
}

func TestJSONHelpers(t *testing.T) {
	t.Parallel()

	type settings struct {
		Enabled bool   `json:"enabled"`
		Time    string `json:"time"`
	}
	ctx := context.Background()
	s := New()

	require.NoError(t, kv.SetJSON(ctx, s, "settings", settings{Enabled: true, Time: "03:00"}))
	got, err := kv.GetJSON[settings](ctx, s, "settings")
	require.NoError(t, err)
	require.Equal(t, settings{Enabled: true, Time: "03:00"}, got)

	require.NoError(t, s.Set(ctx, "broken", []byte("{")))
	_, err = kv.GetJSON[settings](ctx, s, "broken")
	require.Error(t, err)

	_, err = kv.GetJSON[settings](ctx, s, "absent")
	require.ErrorIs(t, err, kv.ErrNotFound)
}
