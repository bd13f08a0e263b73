package sources

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/cardstore"
	"github.com/JakeFAU/gradepop-crawler/internal/failure"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
)

// priceDoc is the JSON shape served by pricing and market_data endpoints.
// Pricing endpoints list "prices"; market endpoints list "sales".
type priceDoc struct {
	Currency string       `json:"currency"`
	Prices   []priceEntry `json:"prices"`
	Sales    []priceEntry `json:"sales"`
}

type priceEntry struct {
	Kind       string    `json:"kind"`
	Grade      string    `json:"grade"`
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	ObservedAt time.Time `json:"observed_at"`
	SoldAt     time.Time `json:"sold_at"`
}

// PriceFetcher refreshes price points for tracked cards from a per-card JSON
// endpoint. It serves both pricing and market_data sources.
type PriceFetcher struct {
	client   *Client
	cards    cardstore.Store
	maxCards int
}

// NewPriceFetcher wires the fetcher.
func NewPriceFetcher(client *Client, cards cardstore.Store, maxCards int) *PriceFetcher {
	return &PriceFetcher{client: client, cards: cards, maxCards: maxCards}
}

// Fetch implements Fetcher. A robots denial stops the source at once since
// every card shares the endpoint host.
func (p *PriceFetcher) Fetch(ctx context.Context, src registry.Source) (Outcome, error) {
	if strings.TrimSpace(src.Endpoint) == "" {
		return Outcome{}, fmt.Errorf("source %s: no endpoint configured", src.Key)
	}
	cards, err := p.cards.SearchCards(ctx, cardstore.Filter{TrackedOnly: true, Limit: p.maxCards})
	if err != nil {
		return Outcome{}, fmt.Errorf("list tracked cards: %w", err)
	}
	var (
		out     Outcome
		lastErr error
	)
	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		points, err := p.fetchCard(ctx, src, card)
		if errors.Is(err, failure.ErrPolicyDenied) {
			return out, err
		}
		if err == nil {
			err = p.cards.UpdateCardPricingData(ctx, card.ID, points)
		}
		if err != nil {
			out.Failed++
			lastErr = err
			p.client.logger().Info("card price refresh failed",
				zap.String("source", src.Key),
				zap.String("card_id", card.ID),
				zap.Error(err),
			)
			continue
		}
		out.UnitsUpdated++
	}
	if len(cards) > 0 && out.UnitsUpdated == 0 {
		return out, fmt.Errorf("no card updated (%d failed): %w", out.Failed, lastErr)
	}
	return out, nil
}

func (p *PriceFetcher) fetchCard(ctx context.Context, src registry.Source, card cardstore.Card) ([]cardstore.PricePoint, error) {
	target, err := ExpandEndpoint(src.Endpoint, card)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.Key, err)
	}
	var doc priceDoc
	if err := p.client.getJSON(ctx, src.Key, target, &doc); err != nil {
		return nil, err
	}
	now := p.client.Clock.Now().UTC()
	points := make([]cardstore.PricePoint, 0, len(doc.Prices)+len(doc.Sales))
	for _, e := range doc.Prices {
		points = append(points, e.point(src.Key, cardstore.PriceMarket, doc.Currency, now))
	}
	for _, e := range doc.Sales {
		points = append(points, e.point(src.Key, cardstore.PriceSale, doc.Currency, now))
	}
	for _, pt := range points {
		if pt.PriceCents < 0 {
			return nil, &failure.ParseError{Source: src.Key, Err: fmt.Errorf("negative price for card %s", card.ID)}
		}
	}
	return points, nil
}

func (e priceEntry) point(source, defaultKind, defaultCurrency string, now time.Time) cardstore.PricePoint {
	kind := strings.ToLower(strings.TrimSpace(e.Kind))
	if kind == "" {
		kind = defaultKind
	}
	currency := strings.ToUpper(strings.TrimSpace(e.Currency))
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(defaultCurrency))
	}
	if currency == "" {
		currency = "USD"
	}
	observed := e.ObservedAt
	if observed.IsZero() {
		observed = e.SoldAt
	}
	if observed.IsZero() {
		observed = now
	}
	return cardstore.PricePoint{
		Source:     source,
		Kind:       kind,
		Grade:      strings.TrimSpace(e.Grade),
		PriceCents: int64(math.Round(e.Price * 100)),
		Currency:   currency,
		ObservedAt: observed.UTC(),
	}
}
