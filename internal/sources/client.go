package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/cardstore"
	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
	"github.com/JakeFAU/gradepop-crawler/internal/failure"
	"github.com/JakeFAU/gradepop-crawler/internal/grading"
	"github.com/JakeFAU/gradepop-crawler/internal/storage"
)

// Client performs polite JSON GETs on behalf of endpoint-driven sources:
// robots check, per-source delay, fetch, archive, decode.
type Client struct {
	Policy   grading.PolicyChecker
	Limiter  grading.DelayLimiter
	Fetcher  crawler.Fetcher
	Archive  *storage.Archive
	Clock    crawler.Clock
	MinDelay time.Duration
	Logger   *zap.Logger
}

func (c *Client) getJSON(ctx context.Context, sourceKey, target string, out any) error {
	decision, err := c.Policy.Check(ctx, target)
	if err != nil {
		return fmt.Errorf("robots check: %w", err)
	}
	if !decision.Allowed {
		return fmt.Errorf("%s: %w", target, failure.ErrPolicyDenied)
	}
	if err := c.Limiter.RespectDelay(ctx, sourceKey, max(c.MinDelay, decision.CrawlDelay)); err != nil {
		return err
	}
	headers := crawler.BrowserHeaders()
	headers.Set("Accept", "application/json")
	resp, err := c.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: target, Headers: headers})
	if err != nil {
		if failure.IsNetwork(err) {
			return err
		}
		return &failure.NetworkError{Op: "fetch " + sourceKey, URL: target, Err: err}
	}
	if resp.StatusCode >= 400 {
		return &failure.NetworkError{Op: "fetch " + sourceKey, URL: target, Status: resp.StatusCode}
	}
	if _, err := c.Archive.Save(ctx, sourceKey, c.Clock.Now(), resp.Headers.Get("Content-Type"), resp.Body); err != nil {
		c.logger().Warn("archive source response failed", zap.String("source", sourceKey), zap.Error(err))
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &failure.ParseError{Source: sourceKey, Err: err}
	}
	return nil
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// ExpandEndpoint fills {cardId}, {cardName}, {series}, and {number} in tmpl.
func ExpandEndpoint(tmpl string, card cardstore.Card) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		return "", fmt.Errorf("no endpoint configured")
	}
	expanded := strings.NewReplacer(
		"{cardId}", url.PathEscape(card.ID),
		"{cardName}", url.QueryEscape(card.Name),
		"{series}", url.QueryEscape(card.Series),
		"{number}", url.QueryEscape(card.Number),
	).Replace(tmpl)
	u, err := url.Parse(expanded)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("endpoint %q must be http(s)", tmpl)
	}
	return u.String(), nil
}
