// Package registry holds the configured data sources, their scheduling
// metadata, and their last-attempt status.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority controls the order in which due sources run.
type Priority string

// Priorities, in execution order.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Status is the outcome of a source's most recent attempt.
type Status string

// Source statuses.
const (
	StatusIdle    Status = "idle"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// SourceType selects the fetcher that handles a source.
type SourceType string

// Source types.
const (
	TypeGrading    SourceType = "grading"
	TypePricing    SourceType = "pricing"
	TypeCardData   SourceType = "card_data"
	TypeMarketData SourceType = "market_data"
)

// Types lists every source type in display order.
var Types = []SourceType{TypeGrading, TypePricing, TypeCardData, TypeMarketData}

// ErrUnknownSource is returned when a key is not registered.
var ErrUnknownSource = errors.New("unknown source")

// ErrInvalidInterval rejects non-positive update intervals.
var ErrInvalidInterval = errors.New("update interval must be positive")

// Source is one crawlable data source.
type Source struct {
	Key                 string     `json:"key" mapstructure:"key"`
	DisplayName         string     `json:"display_name" mapstructure:"display_name"`
	Enabled             bool       `json:"enabled" mapstructure:"enabled"`
	Priority            Priority   `json:"priority" mapstructure:"priority"`
	UpdateIntervalHours int        `json:"update_interval_hours" mapstructure:"update_interval_hours"`
	LastUpdate          *time.Time `json:"last_update,omitempty" mapstructure:"-"`
	Status              Status     `json:"status" mapstructure:"-"`
	Type                SourceType `json:"type" mapstructure:"type"`
	// Endpoint is a URL template used by the pricing, card_data, and
	// market_data fetchers. {cardId} is replaced per card.
	Endpoint    string   `json:"endpoint,omitempty" mapstructure:"endpoint"`
	LastError   string   `json:"last_error,omitempty" mapstructure:"-"`
	Authorities []string `json:"authorities,omitempty" mapstructure:"authorities"`
}

// Interval returns the update interval as a duration.
func (s Source) Interval() time.Duration {
	return time.Duration(s.UpdateIntervalHours) * time.Hour
}

// IsDue reports whether an enabled source should run at now.
func (s Source) IsDue(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.LastUpdate == nil {
		return true
	}
	return now.Sub(*s.LastUpdate) >= s.Interval()
}

// Validate checks the static fields of a source.
func (s Source) Validate() error {
	typ, name, ok := strings.Cut(s.Key, ".")
	if !ok || name == "" {
		return fmt.Errorf("source key %q must be type.name", s.Key)
	}
	if SourceType(typ) != s.Type {
		return fmt.Errorf("source key %q does not match type %q", s.Key, s.Type)
	}
	if !validType(s.Type) {
		return fmt.Errorf("source %s: unknown type %q", s.Key, s.Type)
	}
	switch s.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("source %s: unknown priority %q", s.Key, s.Priority)
	}
	if s.UpdateIntervalHours <= 0 {
		return fmt.Errorf("source %s: %w", s.Key, ErrInvalidInterval)
	}
	return nil
}

func (s Source) clone() Source {
	out := s
	if s.LastUpdate != nil {
		t := *s.LastUpdate
		out.LastUpdate = &t
	}
	out.Authorities = append([]string(nil), s.Authorities...)
	return out
}

func validType(t SourceType) bool {
	for _, known := range Types {
		if known == t {
			return true
		}
	}
	return false
}

// DefaultSources returns the bootstrap source list. Only the grading source
// is enabled; the others need an endpoint before they can run.
func DefaultSources() []Source {
	return []Source{
		{
			Key:                 "grading.population",
			DisplayName:         "Grading population reports",
			Enabled:             true,
			Priority:            PriorityHigh,
			UpdateIntervalHours: 24,
			Status:              StatusIdle,
			Type:                TypeGrading,
			Authorities:         []string{"PSA", "CGC", "BGS", "SGC"},
		},
		{
			Key:                 "pricing.market",
			DisplayName:         "Market prices",
			Priority:            PriorityMedium,
			UpdateIntervalHours: 12,
			Status:              StatusIdle,
			Type:                TypePricing,
		},
		{
			Key:                 "market_data.sales",
			DisplayName:         "Recent sales",
			Priority:            PriorityLow,
			UpdateIntervalHours: 24,
			Status:              StatusIdle,
			Type:                TypeMarketData,
		},
		{
			Key:                 "card_data.catalog",
			DisplayName:         "Card catalog",
			Priority:            PriorityLow,
			UpdateIntervalHours: 168,
			Status:              StatusIdle,
			Type:                TypeCardData,
		},
	}
}
