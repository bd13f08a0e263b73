package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
)

// Noop implements crawler.Fetcher for deployments without Chrome. Authorities
// that allow headless rendering fall back to the plain response.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns an error since this is a stub implementation.
func (Noop) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, errors.New("headless fetcher not configured")
}
