package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/failure"
	"github.com/JakeFAU/gradepop-crawler/internal/metrics"
)

const maxRobotsBytes = 512 << 10

// FetcherConfig tunes the robots.txt HTTP client.
type FetcherConfig struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	// Transport overrides the default round tripper, mainly for tests.
	Transport http.RoundTripper
}

// Fetcher downloads robots.txt documents.
type Fetcher struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewFetcher builds a Fetcher with redirect and timeout limits applied.
func NewFetcher(cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	maxRedirects := cfg.MaxRedirects
	return &Fetcher{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Fetch downloads robotsURL and parses it for agent. A 404 yields the
// permissive synthetic document; other failures return a *failure.NetworkError.
func (f *Fetcher) Fetch(ctx context.Context, robotsURL, agent string) (RuleSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return RuleSet{}, fmt.Errorf("build robots request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/plain,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ObserveRobotsFetch(robotsURL, "error")
		return RuleSet{}, &failure.NetworkError{Op: http.MethodGet, URL: robotsURL, Err: unwrapURLError(err)}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("robots body close failed", zap.String("url", robotsURL), zap.Error(cerr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.ObserveRobotsFetch(robotsURL, "not_found")
		f.logger.Debug("robots.txt missing; using permissive rules", zap.String("url", robotsURL))
		return Parse(PermissiveRobots, agent), nil
	case resp.StatusCode >= http.StatusBadRequest:
		metrics.ObserveRobotsFetch(robotsURL, "error")
		return RuleSet{}, &failure.NetworkError{Op: http.MethodGet, URL: robotsURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		metrics.ObserveRobotsFetch(robotsURL, "error")
		return RuleSet{}, &failure.NetworkError{Op: http.MethodGet, URL: robotsURL, Err: err}
	}
	metrics.ObserveRobotsFetch(robotsURL, "ok")
	return Parse(string(body), agent), nil
}

// RobotsURL returns scheme://host/robots.txt for target.
func RobotsURL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", target, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", target)
	}
	return u.Scheme + "://" + u.Host + "/robots.txt", nil
}

func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err
	}
	return err
}
