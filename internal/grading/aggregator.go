// Package grading queries grading authorities for a card's population report
// and merges the per-authority distributions into one summary.
package grading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/authority"
	"github.com/JakeFAU/gradepop-crawler/internal/cache"
	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
	"github.com/JakeFAU/gradepop-crawler/internal/failure"
	"github.com/JakeFAU/gradepop-crawler/internal/hash/sha256"
	"github.com/JakeFAU/gradepop-crawler/internal/metrics"
	"github.com/JakeFAU/gradepop-crawler/internal/robots"
	"github.com/JakeFAU/gradepop-crawler/internal/storage"
)

var tracer = otel.Tracer("github.com/JakeFAU/gradepop-crawler/internal/grading")

// PolicyChecker answers robots questions for a URL.
type PolicyChecker interface {
	Check(ctx context.Context, target string) (robots.Decision, error)
}

// DelayLimiter spaces requests that share a key.
type DelayLimiter interface {
	RespectDelay(ctx context.Context, key string, delay time.Duration) error
}

// Config tunes the Aggregator.
type Config struct {
	// CacheTTL bounds how long aggregated results are reused.
	CacheTTL time.Duration
}

// Dependencies are the collaborators an Aggregator needs. Headless, Detector,
// Archive, and Cache are optional.
type Dependencies struct {
	Table    *authority.Table
	Policy   PolicyChecker
	Limiter  DelayLimiter
	Fetcher  crawler.Fetcher
	Headless crawler.Fetcher
	Detector crawler.HeadlessDetector
	Archive  *storage.Archive
	Cache    *cache.Cache[QueryResult]
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Aggregator fans one card query out to several authorities.
type Aggregator struct {
	cfg  Config
	deps Dependencies
	log  *zap.Logger
}

// New validates deps and returns an Aggregator.
func New(cfg Config, deps Dependencies) (*Aggregator, error) {
	switch {
	case deps.Table == nil:
		return nil, errors.New("grading: authority table is required")
	case deps.Policy == nil:
		return nil, errors.New("grading: robots policy is required")
	case deps.Limiter == nil:
		return nil, errors.New("grading: rate limiter is required")
	case deps.Fetcher == nil:
		return nil, errors.New("grading: fetcher is required")
	case deps.Clock == nil:
		return nil, errors.New("grading: clock is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 6 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{cfg: cfg, deps: deps, log: logger.Named("grading")}, nil
}

// Authorities lists the configured authorities.
func (a *Aggregator) Authorities() []authority.Authority {
	return a.deps.Table.Names()
}

// CacheKey identifies a query independent of case, surrounding whitespace,
// and authority order.
func CacheKey(q authority.Query, authorities []authority.Authority) string {
	names := make([]string, len(authorities))
	for i, auth := range authorities {
		names[i] = string(authority.ParseName(string(auth)))
	}
	sort.Strings(names)
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return sha256.Key(norm(q.CardName), norm(q.Series), norm(q.Number), strings.Join(names, ","))
}

// GetDistribution queries each authority in order and aggregates the
// successful answers. Per-authority failures are recorded in the result and
// never stop the remaining authorities. The whole result, failures included,
// is cached for the configured TTL. An error is returned only when no
// authority succeeded and opts.AllowPartial is false, whether the result came
// from the cache or not.
func (a *Aggregator) GetDistribution(
	ctx context.Context,
	q authority.Query,
	authorities []authority.Authority,
	opts Options,
) (QueryResult, error) {
	if strings.TrimSpace(q.CardName) == "" {
		return QueryResult{}, errors.New("grading: card name is required")
	}
	auths := normalize(authorities)
	if len(auths) == 0 {
		auths = a.deps.Table.Names()
	}
	key := CacheKey(q, auths)

	if opts.UseCache && !opts.ForceRefresh && a.deps.Cache != nil {
		cached, ok, err := a.deps.Cache.Get(ctx, key)
		if err != nil {
			a.log.Warn("grading cache read failed", zap.Error(err))
		}
		if ok {
			cached.FromCache = true
			return cached, a.failed(cached, q, opts)
		}
	}

	ctx, span := tracer.Start(ctx, "grading.get_distribution")
	span.SetAttributes(
		attribute.String("card.name", q.CardName),
		attribute.Int("authorities", len(auths)),
	)
	defer span.End()

	result := QueryResult{
		CardName:     strings.TrimSpace(q.CardName),
		Series:       strings.TrimSpace(q.Series),
		Number:       strings.TrimSpace(q.Number),
		PerAuthority: make(map[authority.Authority]AuthorityResult, len(auths)),
		FetchedAt:    a.deps.Clock.Now().UTC(),
	}
	successes := make([]Stats, 0, len(auths))
	for _, auth := range auths {
		res := a.query(ctx, auth, q)
		result.PerAuthority[auth] = res
		if res.Success {
			successes = append(successes, res.Stats)
		}
	}
	result.Overall = Merge(successes...)

	if a.deps.Cache != nil {
		if err := a.deps.Cache.Set(ctx, key, result, a.cfg.CacheTTL); err != nil {
			a.log.Warn("grading cache write failed", zap.Error(err))
		}
	}
	span.SetAttributes(attribute.Int("authorities.succeeded", len(successes)))

	if err := a.failed(result, q, opts); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	return result, nil
}

// failed returns the error for a result in which no authority succeeded,
// unless the caller accepts partial results.
func (a *Aggregator) failed(result QueryResult, q authority.Query, opts Options) error {
	if result.Succeeded() > 0 || opts.AllowPartial {
		return nil
	}
	err := fmt.Errorf("%w for %q", failure.ErrAllAuthoritiesFailed, q.Text())
	if result.PolicyDenied() {
		err = fmt.Errorf("%w: %w", err, failure.ErrPolicyDenied)
	}
	return err
}

func (a *Aggregator) query(ctx context.Context, auth authority.Authority, q authority.Query) AuthorityResult {
	start := a.deps.Clock.Now()
	res, err := a.fetchAuthority(ctx, auth, q)
	outcome := "success"
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		switch {
		case res.Reason != "":
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			res.Reason = ReasonCancelled
		case failure.IsParse(err):
			res.Reason = ReasonParse
		default:
			res.Reason = ReasonNetwork
		}
		outcome = strings.ReplaceAll(res.Reason, "-", "_")
		a.log.Info("authority query failed",
			zap.String("authority", string(auth)),
			zap.String("reason", res.Reason),
			zap.Error(err),
		)
	}
	metrics.ObserveAuthorityQuery(string(auth), outcome, a.deps.Clock.Now().Sub(start))
	return res
}

func (a *Aggregator) fetchAuthority(ctx context.Context, auth authority.Authority, q authority.Query) (AuthorityResult, error) {
	if err := ctx.Err(); err != nil {
		return AuthorityResult{}, err
	}
	def, ok := a.deps.Table.Lookup(auth)
	if !ok {
		return AuthorityResult{Reason: ReasonUnknownAuthority}, fmt.Errorf("authority %s is not configured", auth)
	}
	target, err := def.BuildURL(q)
	if err != nil {
		return AuthorityResult{}, err
	}
	res := AuthorityResult{SourceURL: target}

	ctx, span := tracer.Start(ctx, "grading.authority")
	span.SetAttributes(attribute.String("authority", string(auth)), attribute.String("url", target))
	defer span.End()

	decision, err := a.deps.Policy.Check(ctx, target)
	if err != nil {
		return res, fmt.Errorf("robots check: %w", err)
	}
	if !decision.Allowed {
		res.Reason = ReasonPolicyDenied
		return res, fmt.Errorf("%s: %w", target, failure.ErrPolicyDenied)
	}

	delay := max(def.CrawlDelay, decision.CrawlDelay)
	if err := a.deps.Limiter.RespectDelay(ctx, string(auth), delay); err != nil {
		return res, err
	}

	resp, err := a.fetch(ctx, def, target)
	if err != nil {
		return res, err
	}
	res.UsedHeadless = resp.UsedHeadless
	if resp.StatusCode >= 400 {
		return res, &failure.NetworkError{Op: "search " + string(auth), URL: target, Status: resp.StatusCode}
	}

	if rec, err := a.deps.Archive.Save(ctx, string(auth), a.deps.Clock.Now(), resp.Headers.Get("Content-Type"), resp.Body); err != nil {
		a.log.Warn("archive authority response failed", zap.String("authority", string(auth)), zap.Error(err))
	} else {
		res.ArchiveURI = rec.URI
	}

	pop, err := def.ResponseParser().Parse(resp.Body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, &failure.ParseError{Source: string(auth), Err: err}
	}
	res.Stats = StatsFromPopulation(pop)
	res.Success = true
	return res, nil
}

// fetch retrieves target, re-rendering it in the headless browser when the
// authority allows it and the static response looks like a script shell.
func (a *Aggregator) fetch(ctx context.Context, def authority.Definition, target string) (crawler.FetchResponse, error) {
	req := crawler.FetchRequest{URL: target, Headers: crawler.BrowserHeaders()}
	resp, err := a.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		if failure.IsNetwork(err) {
			return crawler.FetchResponse{}, err
		}
		return crawler.FetchResponse{}, &failure.NetworkError{Op: "search " + string(def.Authority), URL: target, Err: err}
	}
	if !def.AllowHeadless || a.deps.Headless == nil || a.deps.Detector == nil || !a.deps.Detector.ShouldPromote(resp) {
		return resp, nil
	}
	req.UseHeadless = true
	rendered, err := a.deps.Headless.Fetch(ctx, req)
	if err != nil {
		a.log.Warn("headless render failed; using static response",
			zap.String("authority", string(def.Authority)),
			zap.Error(err),
		)
		return resp, nil
	}
	rendered.UsedHeadless = true
	return rendered, nil
}

func normalize(authorities []authority.Authority) []authority.Authority {
	seen := make(map[authority.Authority]struct{}, len(authorities))
	out := make([]authority.Authority, 0, len(authorities))
	for _, auth := range authorities {
		auth = authority.ParseName(string(auth))
		if auth == "" {
			continue
		}
		if _, ok := seen[auth]; ok {
			continue
		}
		seen[auth] = struct{}{}
		out = append(out, auth)
	}
	return out
}
