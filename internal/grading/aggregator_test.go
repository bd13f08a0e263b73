package grading

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradepop-crawler/internal/authority"
	"github.com/JakeFAU/gradepop-crawler/internal/cache"
	"github.com/JakeFAU/gradepop-crawler/internal/clock/fake"
	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
	"github.com/JakeFAU/gradepop-crawler/internal/failure"
	"github.com/JakeFAU/gradepop-crawler/internal/hash/sha256"
	kvmemory "github.com/JakeFAU/gradepop-crawler/internal/kv/memory"
	"github.com/JakeFAU/gradepop-crawler/internal/robots"
	"github.com/JakeFAU/gradepop-crawler/internal/storage"
	blobmemory "github.com/JakeFAU/gradepop-crawler/internal/storage/memory"
)

type fakePolicy struct {
	denied map[string]bool
	delay  map[string]time.Duration
	err    error
}

func (p *fakePolicy) Check(_ context.Context, target string) (robots.Decision, error) {
	if p.err != nil {
		return robots.Decision{}, p.err
	}
	u, _ := url.Parse(target)
	return robots.Decision{Allowed: !p.denied[u.Host], CrawlDelay: p.delay[u.Host]}, nil
}

type delayCall struct {
	key   string
	delay time.Duration
}

type fakeLimiter struct {
	mu    sync.Mutex
	calls []delayCall
}

func (l *fakeLimiter) RespectDelay(_ context.Context, key string, delay time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, delayCall{key: key, delay: delay})
	return nil
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]crawler.FetchResponse
	errs      map[string]error
	hits      map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: map[string]crawler.FetchResponse{},
		errs:      map[string]error{},
		hits:      map[string]int{},
	}
}

func (f *fakeFetcher) respond(host, body string, status int) {
	f.responses[host] = crawler.FetchResponse{
		StatusCode: status,
		Body:       []byte(body),
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := url.Parse(req.URL)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	f.hits[u.Host]++
	if err := f.errs[u.Host]; err != nil {
		return crawler.FetchResponse{}, err
	}
	resp, ok := f.responses[u.Host]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	resp.URL = req.URL
	return resp, nil
}

func (f *fakeFetcher) Hits(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[host]
}

type promoteAll struct{}

func (promoteAll) ShouldPromote(crawler.FetchResponse) bool { return true }

func testTable(t *testing.T) *authority.Table {
	t.Helper()
	pattern := authority.ParserSpec{Kind: authority.ParserPattern, GradeLinePattern: `g(\d+(?:\.\d+)?)=(\d+)`}
	table, err := authority.NewTable(
		authority.Definition{Authority: authority.PSA, SearchURL: "https://psa.example.com/pop?q={query}", CrawlDelay: 2 * time.Second, Parser: pattern},
		authority.Definition{Authority: authority.CGC, SearchURL: "https://cgc.example.com/pop?name={cardName}", CrawlDelay: 2 * time.Second, Parser: pattern},
		authority.Definition{Authority: authority.BGS, SearchURL: "https://bgs.example.com/pop?q={query}", CrawlDelay: time.Second, AllowHeadless: true, Parser: pattern},
	)
	require.NoError(t, err)
	return table
}

type harness struct {
	agg      *Aggregator
	policy   *fakePolicy
	limiter  *fakeLimiter
	fetcher  *fakeFetcher
	headless *fakeFetcher
	blobs    *blobmemory.BlobStore
	clock    *fake.Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		policy:   &fakePolicy{denied: map[string]bool{}, delay: map[string]time.Duration{}},
		limiter:  &fakeLimiter{},
		fetcher:  newFakeFetcher(),
		headless: newFakeFetcher(),
		blobs:    blobmemory.NewBlobStore(),
		clock:    fake.New(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)),
	}
	agg, err := New(Config{CacheTTL: time.Hour}, Dependencies{
		Table:    testTable(t),
		Policy:   h.policy,
		Limiter:  h.limiter,
		Fetcher:  h.fetcher,
		Headless: h.headless,
		Detector: promoteAll{},
		Archive:  storage.NewArchive(h.blobs, sha256.New(), nil),
		Cache:    cache.New[QueryResult](kvmemory.New(), h.clock, cache.Config{Name: "grading"}, nil),
		Clock:    h.clock,
	})
	require.NoError(t, err)
	h.agg = agg
	return h
}

var charizard = authority.Query{CardName: "Charizard", Series: "Base Set", Number: "4"}

func TestGetDistributionAggregatesAuthorities(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.respond("psa.example.com", "g8=100", http.StatusOK)
	h.fetcher.respond("cgc.example.com", "g9=50", http.StatusOK)
	h.policy.delay["psa.example.com"] = 5 * time.Second

	res, err := h.agg.GetDistribution(context.Background(), charizard, []authority.Authority{"psa", "CGC"}, Options{UseCache: true})
	require.NoError(t, err)

	assert.Equal(t, 150, res.Overall.TotalGraded)
	assert.InDelta(t, 8.333, res.Overall.AverageGrade, 0.001)
	assert.InDelta(t, 9.0, res.Overall.HighestGrade, 1e-9)
	assert.InDelta(t, 8.0, res.Overall.LowestGrade, 1e-9)
	assert.Equal(t, 2, res.Succeeded())
	assert.True(t, res.PerAuthority[authority.PSA].Success)
	assert.Equal(t, "https://psa.example.com/pop?q=Charizard+Base+Set+4", res.PerAuthority[authority.PSA].SourceURL)
	assert.NotEmpty(t, res.PerAuthority[authority.CGC].ArchiveURI)
	assert.Equal(t, 2, h.blobs.Len())

	assert.Equal(t, []delayCall{{"PSA", 5 * time.Second}, {"CGC", 2 * time.Second}}, h.limiter.calls)
}

func TestGetDistributionPolicyDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.respond("psa.example.com", "g10=3", http.StatusOK)
	h.fetcher.respond("cgc.example.com", "g9=50", http.StatusOK)
	h.policy.denied["cgc.example.com"] = true

	res, err := h.agg.GetDistribution(context.Background(), charizard, []authority.Authority{authority.PSA, authority.CGC}, Options{})
	require.NoError(t, err)
	cgc := res.PerAuthority[authority.CGC]
	assert.False(t, cgc.Success)
	assert.Equal(t, ReasonPolicyDenied, cgc.Reason)
	assert.Zero(t, h.fetcher.Hits("cgc.example.com"))
	assert.Equal(t, 3, res.Overall.TotalGraded)

	h.policy.denied["psa.example.com"] = true
	res, err = h.agg.GetDistribution(context.Background(), charizard, []authority.Authority{authority.PSA, authority.CGC}, Options{})
	require.ErrorIs(t, err, failure.ErrAllAuthoritiesFailed)
	require.ErrorIs(t, err, failure.ErrPolicyDenied)
	assert.True(t, res.PolicyDenied())
}

func TestGetDistributionIsolatesFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.respond("psa.example.com", "no numbers here", http.StatusOK)
	h.fetcher.respond("cgc.example.com", "busy", http.StatusServiceUnavailable)
	h.fetcher.errs["bgs.example.com"] = errors.New("connection reset")

	res, err := h.agg.GetDistribution(context.Background(), charizard, []authority.Authority{authority.PSA, authority.CGC, authority.BGS, "TAG"}, Options{UseCache: true})
	require.ErrorIs(t, err, failure.ErrAllAuthoritiesFailed)
	require.NotErrorIs(t, err, failure.ErrPolicyDenied)

	assert.Equal(t, ReasonParse, res.PerAuthority[authority.PSA].Reason)
	assert.Equal(t, ReasonNetwork, res.PerAuthority[authority.CGC].Reason)
	assert.Contains(t, res.PerAuthority[authority.CGC].Error, "503")
	assert.Equal(t, ReasonNetwork, res.PerAuthority[authority.BGS].Reason)
	assert.Equal(t, ReasonUnknownAuthority, res.PerAuthority["TAG"].Reason)
	assert.Len(t, res.PerAuthority, 4)

	partial, err := h.agg.GetDistribution(context.Background(), charizard, []authority.Authority{authority.PSA}, Options{AllowPartial: true, UseCache: true})
	require.NoError(t, err)
	assert.Zero(t, partial.Succeeded())

}

func TestGetDistributionCachesFailedResults(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.respond("psa.example.com", "busy", http.StatusServiceUnavailable)
	ctx := context.Background()
	psa := []authority.Authority{authority.PSA}

	_, err := h.agg.GetDistribution(ctx, charizard, psa, Options{UseCache: true})
	require.ErrorIs(t, err, failure.ErrAllAuthoritiesFailed)
	require.Equal(t, 1, h.fetcher.Hits("psa.example.com"))

	h.fetcher.respond("psa.example.com", "g7=1", http.StatusOK)
	cached, err := h.agg.GetDistribution(ctx, charizard, psa, Options{UseCache: true})
	require.ErrorIs(t, err, failure.ErrAllAuthoritiesFailed)
	assert.True(t, cached.FromCache)
	assert.Equal(t, ReasonNetwork, cached.PerAuthority[authority.PSA].Reason)
	assert.Equal(t, 1, h.fetcher.Hits("psa.example.com"))

	partial, err := h.agg.GetDistribution(ctx, charizard, psa, Options{UseCache: true, AllowPartial: true})
	require.NoError(t, err)
	assert.True(t, partial.FromCache)
	assert.Zero(t, partial.Succeeded())

	fresh, err := h.agg.GetDistribution(ctx, charizard, psa, Options{UseCache: true, ForceRefresh: true})
	require.NoError(t, err)
	assert.False(t, fresh.FromCache)
	assert.Equal(t, 1, fresh.Overall.TotalGraded)
	assert.Equal(t, 2, h.fetcher.Hits("psa.example.com"))
}

func TestGetDistributionUsesCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.respond("psa.example.com", "g8=100", http.StatusOK)
	ctx := context.Background()

	_, err := h.agg.GetDistribution(ctx, charizard, []authority.Authority{authority.PSA}, Options{UseCache: true})
	require.NoError(t, err)

	cached, err := h.agg.GetDistribution(ctx, authority.Query{CardName: " charizard", Series: "BASE SET ", Number: "4"}, []authority.Authority{"psa"}, Options{UseCache: true})
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, 100, cached.Overall.TotalGraded)
	assert.Equal(t, 1, h.fetcher.Hits("psa.example.com"))

	_, err = h.agg.GetDistribution(ctx, charizard, []authority.Authority{authority.PSA}, Options{UseCache: true, ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, 2, h.fetcher.Hits("psa.example.com"))

	h.clock.Advance(2 * time.Hour)
	fresh, err := h.agg.GetDistribution(ctx, charizard, []authority.Authority{authority.PSA}, Options{UseCache: true})
	require.NoError(t, err)
	assert.False(t, fresh.FromCache)
	assert.Equal(t, 3, h.fetcher.Hits("psa.example.com"))
}

func TestGetDistributionPromotesToHeadless(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.respond("bgs.example.com", `<div id="root"></div>`, http.StatusOK)
	h.fetcher.respond("psa.example.com", "g8=1", http.StatusOK)
	h.headless.respond("bgs.example.com", "g9.5=4", http.StatusOK)
	h.headless.respond("psa.example.com", "g1=1", http.StatusOK)

	res, err := h.agg.GetDistribution(context.Background(), charizard, []authority.Authority{authority.BGS, authority.PSA}, Options{})
	require.NoError(t, err)
	assert.True(t, res.PerAuthority[authority.BGS].UsedHeadless)
	assert.Equal(t, map[string]int{"9.5": 4}, res.PerAuthority[authority.BGS].GradeDistribution)
	assert.False(t, res.PerAuthority[authority.PSA].UsedHeadless, "PSA does not allow headless rendering")
	assert.Zero(t, h.headless.Hits("psa.example.com"))
}

func TestGetDistributionRobotsErrorAndValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.policy.err = &failure.NetworkError{Op: "fetch robots", URL: "https://psa.example.com/robots.txt", Status: 500}

	res, err := h.agg.GetDistribution(context.Background(), charizard, nil, Options{})
	require.ErrorIs(t, err, failure.ErrAllAuthoritiesFailed)
	require.Len(t, res.PerAuthority, 3, "empty authority list means every configured authority")
	assert.Equal(t, ReasonNetwork, res.PerAuthority[authority.BGS].Reason)

	_, err = h.agg.GetDistribution(context.Background(), authority.Query{CardName: " "}, nil, Options{})
	require.Error(t, err)

	_, err = New(Config{}, Dependencies{})
	require.Error(t, err)
}

func TestGetDistributionCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.agg.GetDistribution(ctx, charizard, []authority.Authority{authority.PSA}, Options{})
	require.Error(t, err)
	assert.Equal(t, ReasonCancelled, res.PerAuthority[authority.PSA].Reason)
}

func TestCacheKeyNormalizes(t *testing.T) {
	t.Parallel()

	a := CacheKey(authority.Query{CardName: "Pikachu ", Series: "Jungle"}, []authority.Authority{"cgc", "PSA"})
	b := CacheKey(authority.Query{CardName: "pikachu", Series: " JUNGLE"}, []authority.Authority{"PSA", "CGC"})
	c := CacheKey(authority.Query{CardName: "pikachu", Series: "jungle"}, []authority.Authority{"PSA"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
