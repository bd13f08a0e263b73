package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradepop-crawler/internal/cardstore"
	"github.com/JakeFAU/gradepop-crawler/internal/clock/fake"
	"github.com/JakeFAU/gradepop-crawler/internal/id/uuid"
)

func newStore() (*Store, *fake.Clock) {
	clock := fake.New(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	return New(uuid.New(), clock), clock
}

func TestUpsertCardMatchesNaturalKey(t *testing.T) {
	t.Parallel()

	store, clock := newStore()
	ctx := context.Background()

	first, err := store.UpsertCard(ctx, cardstore.Card{Name: "Charizard", Series: "Base Set", Number: "4", Tracked: true})
	require.NoError(t, err)
	require.True(t, uuid.Valid(first.ID))

	clock.Advance(time.Hour)
	second, err := store.UpsertCard(ctx, cardstore.Card{Name: "  charizard ", Series: "BASE  set", Number: "4", Category: "pokemon"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, clock.Now(), second.UpdatedAt)

	_, err = store.UpsertCard(ctx, cardstore.Card{})
	require.Error(t, err)
}

func TestSearchCards(t *testing.T) {
	t.Parallel()

	store, _ := newStore()
	ctx := context.Background()
	for _, c := range []cardstore.Card{
		{Name: "Pikachu", Series: "Jungle", Tracked: true},
		{Name: "Charizard", Series: "Base Set", Tracked: true},
		{Name: "Charmander", Series: "Base Set"},
	} {
		_, err := store.UpsertCard(ctx, c)
		require.NoError(t, err)
	}

	all, err := store.SearchCards(ctx, cardstore.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Charizard", all[0].Name)

	tracked, err := store.SearchCards(ctx, cardstore.Filter{Series: "base", TrackedOnly: true})
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, "Charizard", tracked[0].Name)

	limited, err := store.SearchCards(ctx, cardstore.Filter{Name: "char", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestPricingGradingAndCleanup(t *testing.T) {
	t.Parallel()

	store, clock := newStore()
	ctx := context.Background()
	card, err := store.UpsertCard(ctx, cardstore.Card{Name: "Pikachu"})
	require.NoError(t, err)

	old := clock.Now().AddDate(0, 0, -40)
	require.NoError(t, store.UpdateCardPricingData(ctx, card.ID, []cardstore.PricePoint{
		{Source: "pricing.market", Kind: cardstore.PriceMarket, PriceCents: 1200, Currency: "USD", ObservedAt: old},
		{Source: "pricing.market", Kind: cardstore.PriceMarket, PriceCents: 1300, Currency: "USD", ObservedAt: clock.Now()},
	}))
	require.ErrorIs(t, store.UpdateCardPricingData(ctx, "missing", nil), cardstore.ErrNotFound)

	dist := map[string]int{"9": 2}
	require.NoError(t, store.InsertCardGradingData(ctx, []cardstore.GradingRecord{
		{CardID: card.ID, Authority: "PSA", TotalGraded: 2, Distribution: dist, FetchedAt: old},
		{CardID: card.ID, Authority: cardstore.OverallAuthority, TotalGraded: 2, Distribution: dist, FetchedAt: clock.Now()},
	}))
	dist["9"] = 99
	assert.Equal(t, 2, store.Grading(card.ID)[0].Distribution["9"])
	require.ErrorIs(t, store.InsertCardGradingData(ctx, []cardstore.GradingRecord{{CardID: "missing"}}), cardstore.ErrNotFound)

	removed, err := store.CleanupExpired(ctx, cardstore.RetentionCutoff(clock.Now(), 30))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Len(t, store.Prices(card.ID), 1)
	assert.Len(t, store.Grading(card.ID), 1)

	removed, err = store.CleanupExpired(ctx, cardstore.RetentionCutoff(clock.Now(), 0))
	require.NoError(t, err)
	assert.Zero(t, removed)
}
