// Package memory is an in-process cardstore.Store for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/gradepop-crawler/internal/cardstore"
	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
)

// Store keeps cards, prices, and grading snapshots in maps.
type Store struct {
	mu      sync.RWMutex
	ids     crawler.IDGenerator
	clock   crawler.Clock
	cards   map[string]cardstore.Card
	byKey   map[string]string
	prices  []cardstore.PricePoint
	grading []cardstore.GradingRecord
}

// New creates an empty Store.
func New(ids crawler.IDGenerator, clock crawler.Clock) *Store {
	return &Store{
		ids:   ids,
		clock: clock,
		cards: make(map[string]cardstore.Card),
		byKey: make(map[string]string),
	}
}

// SearchCards implements cardstore.Store. Results are ordered by name.
func (s *Store) SearchCards(_ context.Context, filter cardstore.Filter) ([]cardstore.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cardstore.Card, 0)
	for _, c := range s.cards {
		if filter.Matches(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpsertCard inserts card or updates the card sharing its id or natural key.
func (s *Store) UpsertCard(_ context.Context, card cardstore.Card) (cardstore.Card, error) {
	if strings.TrimSpace(card.Name) == "" {
		return cardstore.Card{}, errors.New("card name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	key := card.NaturalKey()
	if card.ID == "" {
		card.ID = s.byKey[key]
	}
	if existing, ok := s.cards[card.ID]; ok {
		card.CreatedAt = existing.CreatedAt
		delete(s.byKey, existing.NaturalKey())
	} else {
		if card.ID == "" {
			id, err := s.ids.NewID()
			if err != nil {
				return cardstore.Card{}, fmt.Errorf("assign card id: %w", err)
			}
			card.ID = id
		}
		card.CreatedAt = now
	}
	card.UpdatedAt = now
	s.cards[card.ID] = card
	s.byKey[key] = card.ID
	return card, nil
}

// UpdateCardPricingData implements cardstore.Store.
func (s *Store) UpdateCardPricingData(_ context.Context, cardID string, points []cardstore.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[cardID]
	if !ok {
		return fmt.Errorf("update pricing %s: %w", cardID, cardstore.ErrNotFound)
	}
	for _, p := range points {
		p.CardID = cardID
		s.prices = append(s.prices, p)
	}
	card.UpdatedAt = s.clock.Now().UTC()
	s.cards[cardID] = card
	return nil
}

// InsertCardGradingData implements cardstore.Store. The batch is rejected
// as a whole when any record names an unknown card.
func (s *Store) InsertCardGradingData(_ context.Context, records []cardstore.GradingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if _, ok := s.cards[r.CardID]; !ok {
			return fmt.Errorf("insert grading %s: %w", r.CardID, cardstore.ErrNotFound)
		}
	}
	for _, r := range records {
		dist := make(map[string]int, len(r.Distribution))
		for k, v := range r.Distribution {
			dist[k] = v
		}
		r.Distribution = dist
		s.grading = append(s.grading, r)
	}
	return nil
}

// CleanupExpired implements cardstore.Store.
func (s *Store) CleanupExpired(_ context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	prices := s.prices[:0]
	for _, p := range s.prices {
		if p.ObservedAt.Before(cutoff) {
			removed++
			continue
		}
		prices = append(prices, p)
	}
	s.prices = prices
	grading := s.grading[:0]
	for _, g := range s.grading {
		if g.FetchedAt.Before(cutoff) {
			removed++
			continue
		}
		grading = append(grading, g)
	}
	s.grading = grading
	return removed, nil
}

// Prices returns the stored price points for cardID.
func (s *Store) Prices(cardID string) []cardstore.PricePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []cardstore.PricePoint
	for _, p := range s.prices {
		if p.CardID == cardID {
			out = append(out, p)
		}
	}
	return out
}

// Grading returns the stored grading snapshots for cardID.
func (s *Store) Grading(cardID string) []cardstore.GradingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []cardstore.GradingRecord
	for _, g := range s.grading {
		if g.CardID == cardID {
			out = append(out, g)
		}
	}
	return out
}
