// Package cardstore defines the relational collaborator that holds tracked
// cards, their price points, and grading population snapshots.
package cardstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a card id does not exist.
var ErrNotFound = errors.New("card not found")

// Card is one tracked trading card.
type Card struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Series    string    `json:"series,omitempty"`
	Number    string    `json:"number,omitempty"`
	Category  string    `json:"category,omitempty"`
	Tracked   bool      `json:"tracked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NaturalKey identifies a card independent of case and spacing.
func (c Card) NaturalKey() string {
	norm := func(s string) string { return strings.ToLower(strings.Join(strings.Fields(s), " ")) }
	return norm(c.Name) + "|" + norm(c.Series) + "|" + norm(c.Number)
}

// Filter narrows SearchCards. Name and Series match case-insensitive
// substrings; a zero Limit returns every match.
type Filter struct {
	Name        string
	Series      string
	TrackedOnly bool
	Limit       int
}

// Matches reports whether c satisfies f.
func (f Filter) Matches(c Card) bool {
	if f.TrackedOnly && !c.Tracked {
		return false
	}
	contains := func(have, want string) bool {
		return want == "" || strings.Contains(strings.ToLower(have), strings.ToLower(strings.TrimSpace(want)))
	}
	return contains(c.Name, f.Name) && contains(c.Series, f.Series)
}

// Price kinds.
const (
	PriceListing = "listing"
	PriceSale    = "sale"
	PriceMarket  = "market"
)

// PricePoint is one observed price for a card, optionally at a grade.
type PricePoint struct {
	CardID     string    `json:"card_id"`
	Source     string    `json:"source"`
	Kind       string    `json:"kind"`
	Grade      string    `json:"grade,omitempty"`
	PriceCents int64     `json:"price_cents"`
	Currency   string    `json:"currency"`
	ObservedAt time.Time `json:"observed_at"`
}

// GradingRecord is one population snapshot for a card from one authority, or
// the merged "overall" view.
type GradingRecord struct {
	CardID       string         `json:"card_id"`
	Authority    string         `json:"authority"`
	TotalGraded  int            `json:"total_graded"`
	Distribution map[string]int `json:"distribution"`
	AverageGrade float64        `json:"average_grade"`
	HighestGrade float64        `json:"highest_grade"`
	LowestGrade  float64        `json:"lowest_grade"`
	SourceURL    string         `json:"source_url,omitempty"`
	ArchiveURI   string         `json:"archive_uri,omitempty"`
	FetchedAt    time.Time      `json:"fetched_at"`
}

// OverallAuthority labels the merged record written next to per-authority ones.
const OverallAuthority = "overall"

// Store is implemented by memory and Postgres backends.
type Store interface {
	SearchCards(ctx context.Context, filter Filter) ([]Card, error)
	UpsertCard(ctx context.Context, card Card) (Card, error)
	UpdateCardPricingData(ctx context.Context, cardID string, points []PricePoint) error
	InsertCardGradingData(ctx context.Context, records []GradingRecord) error
	// CleanupExpired drops price points and grading snapshots older than
	// cutoff and returns the number of rows removed.
	CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionCutoff converts a retention window in days into a cutoff time.
// Non-positive windows disable cleanup and return the zero time.
func RetentionCutoff(now time.Time, days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -days)
}
