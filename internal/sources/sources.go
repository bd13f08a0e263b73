// Package sources implements the type-specific fetchers the orchestrator
// dispatches registry sources to: grading populations, prices, recent sales,
// and the card catalog.
package sources

import (
	"context"
	"fmt"

	"github.com/JakeFAU/gradepop-crawler/internal/registry"
)

// Outcome summarizes one source attempt.
type Outcome struct {
	// UnitsUpdated counts cards (or catalog rows) written to the card store.
	UnitsUpdated int
	// Failed counts per-card failures that did not fail the whole source.
	Failed int
}

// Fetcher refreshes one source. Returning an error wrapping
// failure.ErrPolicyDenied marks the attempt skipped rather than failed.
type Fetcher interface {
	Fetch(ctx context.Context, src registry.Source) (Outcome, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, src registry.Source) (Outcome, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, src registry.Source) (Outcome, error) {
	return f(ctx, src)
}

// Dispatcher routes a source to the fetcher registered for its type.
type Dispatcher struct {
	fetchers map[registry.SourceType]Fetcher
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{fetchers: make(map[registry.SourceType]Fetcher)}
}

// Register installs f for typ, replacing any previous fetcher.
func (d *Dispatcher) Register(typ registry.SourceType, f Fetcher) *Dispatcher {
	d.fetchers[typ] = f
	return d
}

// Fetch implements Fetcher.
func (d *Dispatcher) Fetch(ctx context.Context, src registry.Source) (Outcome, error) {
	f, ok := d.fetchers[src.Type]
	if !ok {
		return Outcome{}, fmt.Errorf("source %s: no fetcher for type %q", src.Key, src.Type)
	}
	return f.Fetch(ctx, src)
}
