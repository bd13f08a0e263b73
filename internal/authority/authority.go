// Package authority describes the external grading organizations queried for
// population data: where to search, how politely, and how to read the answer.
package authority

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Authority identifies a grading organization.
type Authority string

// Known authorities.
const (
	PSA Authority = "PSA"
	CGC Authority = "CGC"
	BGS Authority = "BGS"
	SGC Authority = "SGC"
)

// ParseName normalizes name into an Authority. Unknown names are accepted
// when a table entry for them exists; see Table.Lookup.
func ParseName(name string) Authority {
	return Authority(strings.ToUpper(strings.TrimSpace(name)))
}

// Query identifies one card.
type Query struct {
	CardName string `json:"card_name"`
	Series   string `json:"series,omitempty"`
	Number   string `json:"number,omitempty"`
}

// Text joins the non-empty query fields with spaces.
func (q Query) Text() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{q.CardName, q.Series, q.Number} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Definition is one row of the strategy table.
type Definition struct {
	Authority   Authority `yaml:"authority"`
	DisplayName string    `yaml:"display_name"`
	// SearchURL may reference {cardName}, {series}, {number}, and {query}.
	SearchURL string `yaml:"search_url"`
	// CrawlDelay is the configured minimum gap between requests; the robots
	// crawl-delay wins when it is larger.
	CrawlDelay    time.Duration `yaml:"crawl_delay"`
	AllowHeadless bool          `yaml:"allow_headless"`
	Parser        ParserSpec    `yaml:"parser"`

	parser ResponseParser
}

// ResponseParser returns the compiled parser for the definition.
func (d Definition) ResponseParser() ResponseParser {
	return d.parser
}

// BuildURL expands the search template for q.
func (d Definition) BuildURL(q Query) (string, error) {
	if d.SearchURL == "" {
		return "", fmt.Errorf("authority %s: no search url", d.Authority)
	}
	expanded := strings.NewReplacer(
		"{cardName}", url.QueryEscape(strings.TrimSpace(q.CardName)),
		"{series}", url.QueryEscape(strings.TrimSpace(q.Series)),
		"{number}", url.QueryEscape(strings.TrimSpace(q.Number)),
		"{query}", url.QueryEscape(q.Text()),
	).Replace(d.SearchURL)
	u, err := url.Parse(expanded)
	if err != nil {
		return "", fmt.Errorf("authority %s: bad search url: %w", d.Authority, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("authority %s: search url must be http(s)", d.Authority)
	}
	return u.String(), nil
}
