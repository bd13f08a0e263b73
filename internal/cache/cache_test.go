package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradepop-crawler/internal/clock/fake"
	"github.com/JakeFAU/gradepop-crawler/internal/kv"
	"github.com/JakeFAU/gradepop-crawler/internal/kv/memory"
)

type payload struct {
	Total   int            `json:"total"`
	Buckets map[string]int `json:"buckets"`
}

func newTestCache(t *testing.T, maxEntries int) (*Cache[payload], *fake.Clock, *memory.Store) {
	t.Helper()
	clk := fake.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	c := New[payload](store, clk, Config{Name: "grading", DefaultTTL: time.Hour, MaxEntries: maxEntries}, nil)
	return c, clk, store
}

func TestRoundTripBeforeExpiry(t *testing.T) {
	t.Parallel()

	c, clk, _ := newTestCache(t, 0)
	ctx := context.Background()
	want := payload{Total: 150, Buckets: map[string]int{"8": 100, "9": 50}}

	require.NoError(t, c.Set(ctx, "charizard", want, 10*time.Minute))
	clk.Advance(9 * time.Minute)

	got, ok, err := c.Get(ctx, "charizard")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestExpiredEntryIsMissAndRemoved(t *testing.T) {
	t.Parallel()

	c, clk, store := newTestCache(t, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "charizard", payload{Total: 1}, 10*time.Minute))
	clk.Advance(10 * time.Minute)

	_, ok, err := c.Get(ctx, "charizard")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.Get(ctx, "cache:grading:charizard")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSetOverwritesAndDefaultsTTL(t *testing.T) {
	t.Parallel()

	c, clk, _ := newTestCache(t, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", payload{Total: 1}, 0))
	require.NoError(t, c.Set(ctx, "k", payload{Total: 2}, 0))
	clk.Advance(59 * time.Minute)

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got.Total)

	clk.Advance(time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCorruptEntryIsDropped(t *testing.T) {
	t.Parallel()

	c, _, store := newTestCache(t, 0)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "cache:grading:bad", []byte("{")))

	_, ok, err := c.Get(ctx, "bad")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = store.Get(ctx, "cache:grading:bad")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSweepRemovesExpiredAndEnforcesSoftMax(t *testing.T) {
	t.Parallel()

	c, clk, store := newTestCache(t, 2)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "stale", payload{}, time.Minute))
	clk.Advance(2 * time.Minute)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, k, payload{}, time.Hour))
		clk.Advance(time.Second)
	}
	require.NoError(t, store.Set(ctx, "other:key", []byte("{}")))

	removed, err := c.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	keys, err := store.Keys(ctx, "cache:grading:")
	require.NoError(t, err)
	require.Equal(t, []string{"cache:grading:b", "cache:grading:c"}, keys)

	_, err = store.Get(ctx, "other:key")
	require.NoError(t, err)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	t.Parallel()

	c, clk, store := newTestCache(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, c.Set(ctx, "stale", payload{}, time.Minute))
	clk.Advance(time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, time.Minute)
	}()

	require.Eventually(t, func() bool {
		keys, err := store.Keys(context.Background(), "cache:grading:")
		return err == nil && len(keys) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
