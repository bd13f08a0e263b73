package grading

import (
	"time"

	"github.com/JakeFAU/gradepop-crawler/internal/authority"
)

// Reasons recorded on unsuccessful authority results.
const (
	ReasonPolicyDenied     = "policy-denied"
	ReasonUnknownAuthority = "unknown-authority"
	ReasonNetwork          = "network-error"
	ReasonParse            = "parse-error"
	ReasonCancelled        = "cancelled"
)

// AuthorityResult is one authority's contribution to a QueryResult.
type AuthorityResult struct {
	Stats
	Success      bool   `json:"success"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
	SourceURL    string `json:"source_url,omitempty"`
	ArchiveURI   string `json:"archive_uri,omitempty"`
	UsedHeadless bool   `json:"used_headless,omitempty"`
}

// QueryResult is the aggregated population for one card.
type QueryResult struct {
	CardName     string                                  `json:"card_name"`
	Series       string                                  `json:"series,omitempty"`
	Number       string                                  `json:"number,omitempty"`
	PerAuthority map[authority.Authority]AuthorityResult `json:"per_authority"`
	Overall      Stats                                   `json:"overall"`
	FetchedAt    time.Time                               `json:"fetched_at"`
	FromCache    bool                                    `json:"from_cache,omitempty"`
}

// Succeeded counts authorities that returned data.
func (r QueryResult) Succeeded() int {
	n := 0
	for _, res := range r.PerAuthority {
		if res.Success {
			n++
		}
	}
	return n
}

// PolicyDenied reports whether every authority was skipped by robots policy.
func (r QueryResult) PolicyDenied() bool {
	if len(r.PerAuthority) == 0 {
		return false
	}
	for _, res := range r.PerAuthority {
		if res.Reason != ReasonPolicyDenied {
			return false
		}
	}
	return true
}

// Options tune a single GetDistribution call.
type Options struct {
	UseCache     bool
	ForceRefresh bool
	// AllowPartial returns a result without error even when no authority
	// succeeded.
	AllowPartial bool
}
