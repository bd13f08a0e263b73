package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradepop-crawler/internal/authority"
	"github.com/JakeFAU/gradepop-crawler/internal/cardstore"
	cardmemory "github.com/JakeFAU/gradepop-crawler/internal/cardstore/memory"
	"github.com/JakeFAU/gradepop-crawler/internal/clock/fake"
	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/gradepop-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/gradepop-crawler/internal/failure"
	"github.com/JakeFAU/gradepop-crawler/internal/grading"
	"github.com/JakeFAU/gradepop-crawler/internal/hash/sha256"
	"github.com/JakeFAU/gradepop-crawler/internal/id/uuid"
	"github.com/JakeFAU/gradepop-crawler/internal/ratelimit"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
	"github.com/JakeFAU/gradepop-crawler/internal/robots"
	"github.com/JakeFAU/gradepop-crawler/internal/storage"
	blobmemory "github.com/JakeFAU/gradepop-crawler/internal/storage/memory"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type allowAll struct{ denied bool }

func (p allowAll) Check(context.Context, string) (robots.Decision, error) {
	return robots.Decision{Allowed: !p.denied, CrawlDelay: time.Second}, nil
}

type noDelay struct {
	mu   sync.Mutex
	keys []string
}

func (l *noDelay) RespectDelay(_ context.Context, key string, _ time.Duration) error {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return nil
}

// pathFetcher answers by URL path.
type pathFetcher map[string]crawler.FetchResponse

func (f pathFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	resp, ok := f[u.Path]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	resp.URL = req.URL
	return resp, nil
}

func jsonResponse(body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(body),
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newCards(t *testing.T, clock *fake.Clock, names ...string) (*cardmemory.Store, []cardstore.Card) {
	t.Helper()
	store := cardmemory.New(uuid.New(), clock)
	cards := make([]cardstore.Card, 0, len(names))
	for _, name := range names {
		c, err := store.UpsertCard(context.Background(), cardstore.Card{Name: name, Series: "Base Set", Tracked: true})
		require.NoError(t, err)
		cards = append(cards, c)
	}
	return store, cards
}

func newClient(policy grading.PolicyChecker, fetcher crawler.Fetcher, clock *fake.Clock) (*Client, *blobmemory.BlobStore) {
	blobs := blobmemory.NewBlobStore()
	return &Client{
		Policy:  policy,
		Limiter: &noDelay{},
		Fetcher: fetcher,
		Archive: storage.NewArchive(blobs, sha256.New(), nil),
		Clock:   clock,
	}, blobs
}

func TestDispatcherRoutesByType(t *testing.T) {
	t.Parallel()

	var got registry.SourceType
	d := NewDispatcher().Register(registry.TypePricing, FetcherFunc(func(_ context.Context, src registry.Source) (Outcome, error) {
		got = src.Type
		return Outcome{UnitsUpdated: 2}, nil
	}))

	out, err := d.Fetch(context.Background(), registry.Source{Key: "pricing.x", Type: registry.TypePricing})
	require.NoError(t, err)
	require.Equal(t, 2, out.UnitsUpdated)
	require.Equal(t, registry.TypePricing, got)

	_, err = d.Fetch(context.Background(), registry.Source{Key: "card_data.x", Type: registry.TypeCardData})
	require.Error(t, err)
}

func TestExpandEndpoint(t *testing.T) {
	t.Parallel()

	card := cardstore.Card{ID: "a/b", Name: "Dark Charizard", Series: "Team Rocket", Number: "4"}
	got, err := ExpandEndpoint("https://prices.example.com/cards/{cardId}?name={cardName}&set={series}&n={number}", card)
	require.NoError(t, err)
	require.Equal(t, "https://prices.example.com/cards/a%2Fb?name=Dark+Charizard&set=Team+Rocket&n=4", got)

	_, err = ExpandEndpoint("", card)
	require.Error(t, err)
	_, err = ExpandEndpoint("file:///etc/{cardId}", card)
	require.Error(t, err)
}

func TestPriceFetcherStoresPricesPerCard(t *testing.T) {
	t.Parallel()

	clock := fake.New(epoch)
	store, cards := newCards(t, clock, "Blastoise", "Charizard")
	fetcher := pathFetcher{
		"/cards/" + cards[0].ID: jsonResponse(`{"currency":"usd","prices":[{"kind":"listing","grade":"PSA 10","price":12.5},{"price":3.99}]}`),
		"/cards/" + cards[1].ID: {StatusCode: http.StatusInternalServerError},
	}
	client, blobs := newClient(allowAll{}, fetcher, clock)
	pf := NewPriceFetcher(client, store, 0)

	src := registry.Source{Key: "pricing.market", Type: registry.TypePricing, Endpoint: "https://prices.example.com/cards/{cardId}"}
	out, err := pf.Fetch(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, Outcome{UnitsUpdated: 1, Failed: 1}, out)

	prices := store.Prices(cards[0].ID)
	require.Len(t, prices, 2)
	assert.Equal(t, cardstore.PricePoint{
		CardID: cards[0].ID, Source: "pricing.market", Kind: cardstore.PriceListing,
		Grade: "PSA 10", PriceCents: 1250, Currency: "USD", ObservedAt: epoch,
	}, prices[0])
	assert.Equal(t, cardstore.PriceMarket, prices[1].Kind)
	assert.Equal(t, int64(399), prices[1].PriceCents)
	assert.Empty(t, store.Prices(cards[1].ID))
	assert.Equal(t, 1, blobs.Len())
}

func TestPriceFetcherReadsSales(t *testing.T) {
	t.Parallel()

	clock := fake.New(epoch)
	store, cards := newCards(t, clock, "Mewtwo")
	sold := epoch.Add(-48 * time.Hour)
	fetcher := pathFetcher{
		"/sales": jsonResponse(fmt.Sprintf(`{"sales":[{"grade":"BGS 9.5","price":100,"currency":"eur","sold_at":%q}]}`, sold.Format(time.RFC3339))),
	}
	client, _ := newClient(allowAll{}, fetcher, clock)
	src := registry.Source{Key: "market_data.sales", Type: registry.TypeMarketData, Endpoint: "https://market.example.com/sales?card={cardName}"}

	out, err := NewPriceFetcher(client, store, 0).Fetch(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 1, out.UnitsUpdated)

	prices := store.Prices(cards[0].ID)
	require.Len(t, prices, 1)
	require.Equal(t, cardstore.PriceSale, prices[0].Kind)
	require.Equal(t, "EUR", prices[0].Currency)
	require.Equal(t, int64(10000), prices[0].PriceCents)
	require.True(t, sold.Equal(prices[0].ObservedAt))
}

func TestPriceFetcherFailures(t *testing.T) {
	t.Parallel()

	clock := fake.New(epoch)
	store, _ := newCards(t, clock, "Pikachu")
	src := registry.Source{Key: "pricing.market", Type: registry.TypePricing, Endpoint: "https://prices.example.com/cards/{cardId}"}

	denied, _ := newClient(allowAll{denied: true}, pathFetcher{}, clock)
	_, err := NewPriceFetcher(denied, store, 0).Fetch(context.Background(), src)
	require.ErrorIs(t, err, failure.ErrPolicyDenied)

	broken, _ := newClient(allowAll{}, pathFetcher{"/cards/x": jsonResponse("{")}, clock)
	out, err := NewPriceFetcher(broken, store, 0).Fetch(context.Background(), src)
	require.Error(t, err)
	require.True(t, failure.IsNetwork(err), "missing card page is a 404")
	require.Equal(t, 1, out.Failed)

	_, err = NewPriceFetcher(broken, store, 0).Fetch(context.Background(), registry.Source{Key: "pricing.none", Type: registry.TypePricing})
	require.Error(t, err)
}

func TestPriceFetcherParseError(t *testing.T) {
	t.Parallel()

	clock := fake.New(epoch)
	store, cards := newCards(t, clock, "Gengar")
	client, _ := newClient(allowAll{}, pathFetcher{"/cards/" + cards[0].ID: jsonResponse(`{"prices": "nope"}`)}, clock)

	_, err := NewPriceFetcher(client, store, 0).Fetch(context.Background(),
		registry.Source{Key: "pricing.market", Type: registry.TypePricing, Endpoint: "https://p.example.com/cards/{cardId}"})
	require.Error(t, err)
	require.True(t, failure.IsParse(err))
}

func TestCatalogFetcherUpsertsCards(t *testing.T) {
	t.Parallel()

	clock := fake.New(epoch)
	store, _ := newCards(t, clock, "Charizard")
	fetcher := pathFetcher{"/catalog": jsonResponse(`{"cards":[
		{"name":"Charizard","series":"Base Set","category":"pokemon"},
		{"name":"Venusaur","series":"Base Set","number":"15","tracked":false},
		{"name":"  "}
	]}`)}
	client, _ := newClient(allowAll{}, fetcher, clock)

	out, err := NewCatalogFetcher(client, store).Fetch(context.Background(),
		registry.Source{Key: "card_data.catalog", Type: registry.TypeCardData, Endpoint: "https://catalog.example.com/catalog"})
	require.NoError(t, err)
	require.Equal(t, Outcome{UnitsUpdated: 2, Failed: 1}, out)

	all, err := store.SearchCards(context.Background(), cardstore.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	tracked, err := store.SearchCards(context.Background(), cardstore.Filter{TrackedOnly: true})
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	require.Equal(t, "pokemon", tracked[0].Category)
}

type fakeDistributor struct {
	results map[string]grading.QueryResult
	errs    map[string]error
	auths   []authority.Authority
}

func (d *fakeDistributor) GetDistribution(_ context.Context, q authority.Query, auths []authority.Authority, opts grading.Options) (grading.QueryResult, error) {
	d.auths = auths
	if !opts.UseCache {
		return grading.QueryResult{}, errors.New("expected cached lookups")
	}
	if err := d.errs[q.CardName]; err != nil {
		return grading.QueryResult{}, err
	}
	return d.results[q.CardName], nil
}

func TestGradingFetcherWritesRecords(t *testing.T) {
	t.Parallel()

	clock := fake.New(epoch)
	store, cards := newCards(t, clock, "Charizard", "Lugia")
	psa := grading.StatsFromPopulation(authority.Population{TotalGraded: 100, Grades: map[float64]int{8: 100}})
	dist := &fakeDistributor{
		results: map[string]grading.QueryResult{
			"Charizard": {
				CardName: "Charizard",
				PerAuthority: map[authority.Authority]grading.AuthorityResult{
					authority.PSA: {Stats: psa, Success: true, SourceURL: "https://psa.example.com/pop"},
					authority.CGC: {Reason: grading.ReasonPolicyDenied},
				},
				Overall:   psa,
				FetchedAt: epoch,
			},
		},
		errs: map[string]error{"Lugia": &failure.NetworkError{Op: "search PSA", Status: 503}},
	}

	src := registry.Source{Key: "grading.population", Type: registry.TypeGrading, Authorities: []string{"psa", "CGC"}}
	out, err := NewGradingFetcher(store, dist, 0, nil).Fetch(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, Outcome{UnitsUpdated: 1, Failed: 1}, out)
	require.Equal(t, []authority.Authority{authority.PSA, authority.CGC}, dist.auths)

	rows := store.Grading(cards[0].ID)
	require.Len(t, rows, 2)
	require.Equal(t, "PSA", rows[0].Authority)
	require.Equal(t, cardstore.OverallAuthority, rows[1].Authority)
	require.Equal(t, 100, rows[1].TotalGraded)
	require.Equal(t, map[string]int{"8": 100}, rows[1].Distribution)
}

func TestGradingFetcherAllDenied(t *testing.T) {
	t.Parallel()

	clock := fake.New(epoch)
	store, _ := newCards(t, clock, "Charizard")
	denied := fmt.Errorf("%w: %w", failure.ErrAllAuthoritiesFailed, failure.ErrPolicyDenied)
	dist := &fakeDistributor{errs: map[string]error{"Charizard": denied}}

	out, err := NewGradingFetcher(store, dist, 0, nil).Fetch(context.Background(), registry.Source{Key: "grading.population", Type: registry.TypeGrading})
	require.ErrorIs(t, err, failure.ErrPolicyDenied)
	require.Equal(t, 1, out.Failed)

	empty := cardmemory.New(uuid.New(), clock)
	out, err = NewGradingFetcher(empty, dist, 0, nil).Fetch(context.Background(), registry.Source{Key: "grading.population", Type: registry.TypeGrading})
	require.NoError(t, err)
	require.Zero(t, out.UnitsUpdated)
}

func TestPriceFetcherAgainstLiveServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /private\nCrawl-delay: 3\n")
		case "/private/prices":
			t.Errorf("disallowed path fetched")
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"prices":[{"kind":"market","price":%d}]}`, len(r.URL.Query().Get("name")))
		}
	}))
	t.Cleanup(srv.Close)

	const agent = "gradepop-bot/1.0"
	clock := fake.New(epoch)
	store, cards := newCards(t, clock, "Abra", "Kadabra")
	client := &Client{
		Policy:  robots.NewPolicy(robots.NewFetcher(robots.FetcherConfig{UserAgent: agent, Timeout: 2 * time.Second}, nil), robots.PolicyConfig{UserAgent: agent}, nil),
		Limiter: ratelimit.New(clock),
		Fetcher: collyfetcher.New(collyfetcher.Config{UserAgent: agent, Timeout: 2 * time.Second}),
		Archive: storage.NewArchive(blobmemory.NewBlobStore(), sha256.New(), nil),
		Clock:   clock,
	}
	pf := NewPriceFetcher(client, store, 0)

	out, err := pf.Fetch(context.Background(), registry.Source{Key: "pricing.live", Type: registry.TypePricing, Endpoint: srv.URL + "/prices?name={cardName}"})
	require.NoError(t, err)
	require.Equal(t, 2, out.UnitsUpdated)
	require.Equal(t, int64(400), store.Prices(cards[0].ID)[0].PriceCents)
	require.Equal(t, int64(700), store.Prices(cards[1].ID)[0].PriceCents)
	require.GreaterOrEqual(t, clock.Now().Sub(epoch), 3*time.Second, "second request waits out the crawl delay")

	_, err = pf.Fetch(context.Background(), registry.Source{Key: "pricing.private", Type: registry.TypePricing, Endpoint: srv.URL + "/private/prices?name={cardName}"})
	require.ErrorIs(t, err, failure.ErrPolicyDenied)
}
