package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradepop-crawler/internal/kv/memory"
)

func src(key string, typ SourceType, p Priority, enabled bool) Source {
	return Source{Key: key, DisplayName: key, Enabled: enabled, Priority: p, UpdateIntervalHours: 24, Type: typ}
}

func newRegistry(t *testing.T, sources ...Source) *Registry {
	t.Helper()
	r, err := New(sources, memory.New(), nil)
	require.NoError(t, err)
	return r
}

func TestGroupByPriorityCoversEnabledExactly(t *testing.T) {
	t.Parallel()

	sources := []Source{
		src("grading.psa", TypeGrading, PriorityHigh, true),
		src("pricing.a", TypePricing, PriorityMedium, true),
		src("pricing.b", TypePricing, PriorityLow, false),
		src("card_data.c", TypeCardData, PriorityLow, true),
		src("grading.psa", TypeGrading, PriorityLow, true),
		src("market_data.d", TypeMarketData, PriorityHigh, true),
	}

	g := GroupByPriority(sources)

	keys := func(list []Source) []string {
		out := make([]string, len(list))
		for i, s := range list {
			out[i] = s.Key
		}
		return out
	}
	assert.Equal(t, []string{"grading.psa", "market_data.d"}, keys(g.High))
	assert.Equal(t, []string{"pricing.a"}, keys(g.Medium))
	assert.Equal(t, []string{"card_data.c"}, keys(g.Low))

	seen := map[string]int{}
	for _, s := range g.Ordered() {
		seen[s.Key]++
	}
	require.Equal(t, map[string]int{"grading.psa": 1, "pricing.a": 1, "card_data.c": 1, "market_data.d": 1}, seen)
}

func TestNewRejectsInvalidAndDuplicateSources(t *testing.T) {
	t.Parallel()

	_, err := New([]Source{src("grading.psa", TypeGrading, PriorityHigh, true), src("grading.psa", TypeGrading, PriorityHigh, true)}, nil, nil)
	require.Error(t, err)

	bad := []Source{
		{Key: "nodot", Type: TypeGrading, Priority: PriorityHigh, UpdateIntervalHours: 1},
		{Key: "pricing.x", Type: TypeGrading, Priority: PriorityHigh, UpdateIntervalHours: 1},
		{Key: "weird.x", Type: "weird", Priority: PriorityHigh, UpdateIntervalHours: 1},
		{Key: "grading.x", Type: TypeGrading, Priority: "urgent", UpdateIntervalHours: 1},
		{Key: "grading.x", Type: TypeGrading, Priority: PriorityHigh},
	}
	for _, s := range bad {
		_, err := New([]Source{s}, nil, nil)
		require.Error(t, err, s.Key)
	}
}

func TestToggleAndInterval(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, DefaultSources()...)

	require.NoError(t, r.ToggleEnabled("pricing.market", true))
	got, ok := r.FindByKey("pricing.market")
	require.True(t, ok)
	require.True(t, got.Enabled)

	require.NoError(t, r.SetInterval("pricing.market", 6))
	got, _ = r.FindByKey("pricing.market")
	require.Equal(t, 6, got.UpdateIntervalHours)

	require.Error(t, r.SetInterval("pricing.market", 0))
	require.ErrorIs(t, r.ToggleEnabled("pricing.none", true), ErrUnknownSource)
	require.ErrorIs(t, r.SetInterval("pricing.none", 3), ErrUnknownSource)
}

func TestDueRespectsIntervalAndEnabled(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	r := newRegistry(t,
		src("grading.fresh", TypeGrading, PriorityHigh, true),
		src("grading.stale", TypeGrading, PriorityHigh, true),
		src("grading.never", TypeGrading, PriorityHigh, true),
		src("grading.off", TypeGrading, PriorityHigh, false),
	)
	require.NoError(t, r.RecordAttempt("grading.fresh", Attempt{At: now.Add(-23 * time.Hour), Success: true}))
	require.NoError(t, r.RecordAttempt("grading.stale", Attempt{At: now.Add(-24 * time.Hour), Success: true}))

	due := r.Due(now)
	keys := make([]string, len(due))
	for i, s := range due {
		keys[i] = s.Key
	}
	require.Equal(t, []string{"grading.stale", "grading.never"}, keys)
}

func TestRecordAttempt(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	r := newRegistry(t, src("grading.psa", TypeGrading, PriorityHigh, true))

	require.NoError(t, r.RecordAttempt("grading.psa", Attempt{At: at, Error: "boom"}))
	got, _ := r.FindByKey("grading.psa")
	require.Equal(t, StatusError, got.Status)
	require.Equal(t, "boom", got.LastError)
	require.Equal(t, at, *got.LastUpdate)

	require.NoError(t, r.RecordAttempt("grading.psa", Attempt{At: at.Add(time.Hour), Skipped: true, Error: "denied"}))
	got, _ = r.FindByKey("grading.psa")
	require.Equal(t, StatusIdle, got.Status)
	require.Equal(t, at, *got.LastUpdate)

	require.NoError(t, r.RecordAttempt("grading.psa", Attempt{At: at.Add(2 * time.Hour), Success: true}))
	got, _ = r.FindByKey("grading.psa")
	require.Equal(t, StatusSuccess, got.Status)
	require.Empty(t, got.LastError)
}

func TestFindByKeyReturnsCopies(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, DefaultSources()...)
	got, ok := r.FindByKey("grading.population")
	require.True(t, ok)
	got.Authorities[0] = "XXX"
	got.Enabled = false

	again, _ := r.FindByKey("grading.population")
	require.Equal(t, "PSA", again.Authorities[0])
	require.True(t, again.Enabled)
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, DefaultSources()...)
	require.NoError(t, r.RecordAttempt("grading.population", Attempt{At: time.Now(), Success: true}))

	snap := r.StatusSnapshot()
	require.Equal(t, 4, snap.Total)
	require.Equal(t, 1, snap.Enabled)
	require.Equal(t, 1, snap.ByStatus[StatusSuccess])
	require.Equal(t, 3, snap.ByStatus[StatusIdle])
	require.Len(t, snap.ByType[TypeGrading], 1)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	at := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)

	first, err := New(DefaultSources(), store, nil)
	require.NoError(t, err)
	require.NoError(t, first.ToggleEnabled("pricing.market", true))
	require.NoError(t, first.SetInterval("grading.population", 48))
	require.NoError(t, first.RecordAttempt("grading.population", Attempt{At: at, Success: true}))
	require.NoError(t, first.Upsert(src("pricing.extra", TypePricing, PriorityLow, true)))
	require.NoError(t, first.Save(ctx))

	second, err := New(DefaultSources(), store, nil)
	require.NoError(t, err)
	require.NoError(t, second.Load(ctx))

	pricing, _ := second.FindByKey("pricing.market")
	require.True(t, pricing.Enabled)
	grading, _ := second.FindByKey("grading.population")
	require.Equal(t, 48, grading.UpdateIntervalHours)
	require.Equal(t, at, grading.LastUpdate.UTC())
	require.Equal(t, StatusSuccess, grading.Status)
	_, ok := second.FindByKey("pricing.extra")
	require.True(t, ok)
	require.Len(t, second.List(), 5)
}

func TestLoadWithoutPersistedState(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, DefaultSources()...)
	require.NoError(t, r.Load(context.Background()))
	require.Len(t, r.List(), 4)
}
