package sources

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/authority"
	"github.com/JakeFAU/gradepop-crawler/internal/cardstore"
	"github.com/JakeFAU/gradepop-crawler/internal/failure"
	"github.com/JakeFAU/gradepop-crawler/internal/grading"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
)

// Distributor is the slice of grading.Aggregator the grading fetcher uses.
type Distributor interface {
	GetDistribution(ctx context.Context, q authority.Query, authorities []authority.Authority, opts grading.Options) (grading.QueryResult, error)
}

// GradingFetcher refreshes population snapshots for every tracked card.
type GradingFetcher struct {
	cards    cardstore.Store
	dist     Distributor
	maxCards int
	logger   *zap.Logger
}

// NewGradingFetcher wires the fetcher. maxCards bounds cards per run; zero
// means all tracked cards.
func NewGradingFetcher(cards cardstore.Store, dist Distributor, maxCards int, logger *zap.Logger) *GradingFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GradingFetcher{cards: cards, dist: dist, maxCards: maxCards, logger: logger.Named("grading_source")}
}

// Fetch implements Fetcher. Cards fail independently; the source fails only
// when no card could be updated.
func (g *GradingFetcher) Fetch(ctx context.Context, src registry.Source) (Outcome, error) {
	cards, err := g.cards.SearchCards(ctx, cardstore.Filter{TrackedOnly: true, Limit: g.maxCards})
	if err != nil {
		return Outcome{}, fmt.Errorf("list tracked cards: %w", err)
	}
	auths := make([]authority.Authority, len(src.Authorities))
	for i, name := range src.Authorities {
		auths[i] = authority.ParseName(name)
	}

	var (
		out     Outcome
		denied  int
		lastErr error
	)
	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		q := authority.Query{CardName: card.Name, Series: card.Series, Number: card.Number}
		res, err := g.dist.GetDistribution(ctx, q, auths, grading.Options{UseCache: true})
		if err != nil {
			out.Failed++
			lastErr = err
			if errors.Is(err, failure.ErrPolicyDenied) {
				denied++
			}
			g.logger.Info("card population refresh failed", zap.String("card_id", card.ID), zap.Error(err))
			continue
		}
		if err := g.cards.InsertCardGradingData(ctx, Records(card.ID, res)); err != nil {
			out.Failed++
			lastErr = err
			continue
		}
		out.UnitsUpdated++
	}

	switch {
	case len(cards) == 0 || out.UnitsUpdated > 0:
		return out, nil
	case denied == len(cards):
		return out, fmt.Errorf("all %d cards: %w", len(cards), failure.ErrPolicyDenied)
	default:
		return out, fmt.Errorf("no card updated (%d failed): %w", out.Failed, lastErr)
	}
}

// Records flattens a QueryResult into per-authority rows plus the overall row.
func Records(cardID string, res grading.QueryResult) []cardstore.GradingRecord {
	out := make([]cardstore.GradingRecord, 0, len(res.PerAuthority)+1)
	for _, auth := range sortedAuthorities(res.PerAuthority) {
		ar := res.PerAuthority[auth]
		if !ar.Success {
			continue
		}
		out = append(out, record(cardID, string(auth), ar.Stats, ar.SourceURL, ar.ArchiveURI, res))
	}
	return append(out, record(cardID, cardstore.OverallAuthority, res.Overall, "", "", res))
}

func record(cardID, auth string, s grading.Stats, sourceURL, archiveURI string, res grading.QueryResult) cardstore.GradingRecord {
	return cardstore.GradingRecord{
		CardID:       cardID,
		Authority:    auth,
		TotalGraded:  s.TotalGraded,
		Distribution: s.GradeDistribution,
		AverageGrade: s.AverageGrade,
		HighestGrade: s.HighestGrade,
		LowestGrade:  s.LowestGrade,
		SourceURL:    sourceURL,
		ArchiveURI:   archiveURI,
		FetchedAt:    res.FetchedAt,
	}
}

func sortedAuthorities(m map[authority.Authority]grading.AuthorityResult) []authority.Authority {
	out := make([]authority.Authority, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
