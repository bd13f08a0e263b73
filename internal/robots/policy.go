package robots

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/metrics"
)

// RuleFetcher retrieves and parses a robots.txt document.
type RuleFetcher interface {
	Fetch(ctx context.Context, robotsURL, agent string) (RuleSet, error)
}

// Decision is the verdict for one URL.
type Decision struct {
	Allowed    bool
	CrawlDelay time.Duration
	RobotsURL  string
	Rules      RuleSet
}

// PolicyConfig configures a Policy.
type PolicyConfig struct {
	// UserAgent is the full header value; its product token is matched
	// against robots.txt sections.
	UserAgent string
	TTL       time.Duration
}

// Policy answers robots questions for arbitrary URLs, caching one RuleSet
// per site and agent for the configured TTL.
type Policy struct {
	fetcher RuleFetcher
	cache   *gocache.Cache
	agent   string
	logger  *zap.Logger
}

// NewPolicy constructs a Policy backed by fetcher.
func NewPolicy(fetcher RuleFetcher, cfg PolicyConfig, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Policy{
		fetcher: fetcher,
		cache:   gocache.New(ttl, ttl/2),
		agent:   ProductToken(cfg.UserAgent),
		logger:  logger,
	}
}

// Agent returns the product token rules are evaluated against.
func (p *Policy) Agent() string {
	return p.agent
}

// Rules returns the cached or freshly fetched RuleSet covering target.
func (p *Policy) Rules(ctx context.Context, target string) (RuleSet, string, error) {
	robotsURL, err := RobotsURL(target)
	if err != nil {
		return RuleSet{}, "", err
	}
	key := cacheKey(robotsURL, p.agent)
	if cached, ok := p.cache.Get(key); ok {
		if rs, ok := cached.(RuleSet); ok {
			return rs, robotsURL, nil
		}
	}
	rs, err := p.fetcher.Fetch(ctx, robotsURL, p.agent)
	if err != nil {
		return RuleSet{}, robotsURL, fmt.Errorf("fetch robots: %w", err)
	}
	p.cache.Set(key, rs, gocache.DefaultExpiration)
	p.logger.Debug("robots rules cached",
		zap.String("robots_url", robotsURL),
		zap.Int("allow", len(rs.Allow)),
		zap.Int("disallow", len(rs.Disallow)),
		zap.Float64("crawl_delay_seconds", rs.CrawlDelaySeconds),
	)
	return rs, robotsURL, nil
}

// Check evaluates target against the site's robots.txt.
func (p *Policy) Check(ctx context.Context, target string) (Decision, error) {
	rs, robotsURL, err := p.Rules(ctx, target)
	if err != nil {
		return Decision{}, err
	}
	u, err := url.Parse(target)
	if err != nil {
		return Decision{}, fmt.Errorf("parse url %q: %w", target, err)
	}
	allowed := Evaluate(rs, p.agent, u.RequestURI())
	metrics.ObserveRobotsDecision(target, allowed)
	return Decision{
		Allowed:    allowed,
		CrawlDelay: time.Duration(rs.CrawlDelaySeconds * float64(time.Second)),
		RobotsURL:  robotsURL,
		Rules:      rs,
	}, nil
}

// Invalidate drops the cached rules for target's site.
func (p *Policy) Invalidate(target string) {
	robotsURL, err := RobotsURL(target)
	if err != nil {
		return
	}
	p.cache.Delete(cacheKey(robotsURL, p.agent))
}

// Flush drops every cached RuleSet.
func (p *Policy) Flush() {
	p.cache.Flush()
}

func cacheKey(robotsURL, agent string) string {
	return strings.ToLower(robotsURL) + "|" + strings.ToLower(agent)
}
