package scheduler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
	"github.com/JakeFAU/gradepop-crawler/internal/failure"
)

// Prober checks that the network is usable before a run starts.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber probes by fetching URL. Any response below 500 counts as
// connectivity; an empty URL disables the probe.
type HTTPProber struct {
	Fetcher crawler.Fetcher
	URL     string
}

// Probe implements Prober.
func (p HTTPProber) Probe(ctx context.Context) error {
	if p.URL == "" || p.Fetcher == nil {
		return nil
	}
	resp, err := p.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: p.URL})
	if err != nil {
		return fmt.Errorf("%w: %w", failure.ErrConnectivity, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: probe %s returned %d", failure.ErrConnectivity, p.URL, resp.StatusCode)
	}
	return nil
}
