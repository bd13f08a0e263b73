package sources

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/cardstore"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
)

type catalogDoc struct {
	Cards []struct {
		Name     string `json:"name"`
		Series   string `json:"series"`
		Number   string `json:"number"`
		Category string `json:"category"`
		Tracked  *bool  `json:"tracked"`
	} `json:"cards"`
}

// CatalogFetcher imports card metadata from a catalog endpoint. Imported
// cards are tracked unless the catalog says otherwise.
type CatalogFetcher struct {
	client *Client
	cards  cardstore.Store
}

// NewCatalogFetcher wires the fetcher.
func NewCatalogFetcher(client *Client, cards cardstore.Store) *CatalogFetcher {
	return &CatalogFetcher{client: client, cards: cards}
}

// Fetch implements Fetcher.
func (c *CatalogFetcher) Fetch(ctx context.Context, src registry.Source) (Outcome, error) {
	target, err := ExpandEndpoint(src.Endpoint, cardstore.Card{})
	if err != nil {
		return Outcome{}, fmt.Errorf("source %s: %w", src.Key, err)
	}
	var doc catalogDoc
	if err := c.client.getJSON(ctx, src.Key, target, &doc); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	for _, entry := range doc.Cards {
		if strings.TrimSpace(entry.Name) == "" {
			out.Failed++
			continue
		}
		tracked := entry.Tracked == nil || *entry.Tracked
		_, err := c.cards.UpsertCard(ctx, cardstore.Card{
			Name:     strings.TrimSpace(entry.Name),
			Series:   strings.TrimSpace(entry.Series),
			Number:   strings.TrimSpace(entry.Number),
			Category: strings.TrimSpace(entry.Category),
			Tracked:  tracked,
		})
		if err != nil {
			out.Failed++
			c.client.logger().Info("catalog upsert failed", zap.String("card", entry.Name), zap.Error(err))
			continue
		}
		out.UnitsUpdated++
	}
	if len(doc.Cards) > 0 && out.UnitsUpdated == 0 {
		return out, fmt.Errorf("source %s: no catalog entry stored (%d rejected)", src.Key, out.Failed)
	}
	return out, nil
}
