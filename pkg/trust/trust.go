// Package trust scores data buyers from their decline history and maps the
// score to an access level. The data packaging service consumes the
// resulting tier to pick anonymization strength; offer filtering consumes
// the access level to hide offers a buyer should not see.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/MacroAcon/Tavren-sub000/pkg/config"
)

// Decline reason categories. Privacy-adjacent categories weigh heavier in
// the score than benign ones.
const (
	ReasonPrivacy      = "privacy"
	ReasonTrust        = "trust"
	ReasonComplexity   = "complexity"
	ReasonAlternatives = "alternatives"
	ReasonUnspecified  = "unspecified"
)

// Access levels derived from the trust score.
const (
	AccessRestricted = "restricted"
	AccessLimited    = "limited"
	AccessFull       = "full"
)

// Packaging trust tiers fed to the data packaging service.
const (
	TierLow      = "low"
	TierStandard = "standard"
	TierHigh     = "high"
)

// NormalizeReason folds unknown decline categories into unspecified so the
// scoring weights stay total.
func NormalizeReason(category string) string {
	switch category {
	case ReasonPrivacy, ReasonTrust, ReasonComplexity, ReasonAlternatives:
		return category
	default:
		return ReasonUnspecified
	}
}

// Stats is the derived trust profile of one buyer.
type Stats struct {
	BuyerID      string         `json:"buyer_id"`
	DeclineCount int            `json:"decline_count"`
	Reasons      map[string]int `json:"reasons"`
	TrustScore   float64        `json:"trust_score"`
	AccessLevel  string         `json:"access_level"`
	IsRisky      bool           `json:"is_risky"`
}

// DeclineSource supplies a buyer's decline events. The SQL and memory
// stores implement it.
type DeclineSource interface {
	ByBuyer(ctx context.Context, buyerID string) ([]*Decline, error)
}

// Service computes buyer trust from decline history.
type Service struct {
	declines DeclineSource
	weights  map[string]float64
	low      float64
	high     float64
	log      *slog.Logger
}

// NewService builds the scoring service. Thresholds come from config
// (LOW_TRUST_THRESHOLD / HIGH_TRUST_THRESHOLD); weights from the policy
// overlay.
func NewService(declines DeclineSource, policy *config.Policy, lowThreshold, highThreshold float64) *Service {
	return &Service{
		declines: declines,
		weights: map[string]float64{
			ReasonPrivacy:      policy.Trust.PrivacyWeight,
			ReasonTrust:        policy.Trust.TrustWeight,
			ReasonComplexity:   policy.Trust.ComplexityWeight,
			ReasonAlternatives: policy.Trust.AlternativeWeight,
			ReasonUnspecified:  policy.Trust.UnspecifiedWeight,
		},
		low:  lowThreshold,
		high: highThreshold,
		log:  slog.Default().With("component", "buyer_trust"),
	}
}

// Stats derives the buyer's trust profile from scratch. Scores start at 1.0
// and lose a category-weighted penalty per decline, floored at zero.
func (s *Service) Stats(ctx context.Context, buyerID string) (*Stats, error) {
	declines, err := s.declines.ByBuyer(ctx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("trust: loading declines for %s: %w", buyerID, err)
	}

	stats := &Stats{
		BuyerID:      buyerID,
		DeclineCount: len(declines),
		Reasons:      map[string]int{},
		TrustScore:   1.0,
	}
	for _, d := range declines {
		category := NormalizeReason(d.ReasonCategory)
		stats.Reasons[category]++
		stats.TrustScore -= s.weights[category]
	}
	if stats.TrustScore < 0 {
		stats.TrustScore = 0
	}
	stats.AccessLevel = s.accessLevel(stats.TrustScore)
	stats.IsRisky = stats.TrustScore < s.low
	return stats, nil
}

func (s *Service) accessLevel(score float64) string {
	switch {
	case score < s.low:
		return AccessRestricted
	case score > s.high:
		return AccessFull
	default:
		return AccessLimited
	}
}

// PackagingTier maps the buyer's access level to the tier the data
// packaging anonymization table keys on.
func PackagingTier(accessLevel string) string {
	switch accessLevel {
	case AccessRestricted:
		return TierLow
	case AccessFull:
		return TierHigh
	default:
		return TierStandard
	}
}

// TierFor is the one-call form used by the packaging path: buyer id in,
// packaging tier out. Unknown buyers have no declines and score 1.0.
func (s *Service) TierFor(ctx context.Context, buyerID string) (string, error) {
	stats, err := s.Stats(ctx, buyerID)
	if err != nil {
		return "", err
	}
	return PackagingTier(stats.AccessLevel), nil
}

// SortedReasons returns the decline categories of a stats record in
// descending count order, for operator display.
func (st *Stats) SortedReasons() []string {
	out := make([]string, 0, len(st.Reasons))
	for category := range st.Reasons {
		out = append(out, category)
	}
	sort.Slice(out, func(i, j int) bool {
		if st.Reasons[out[i]] != st.Reasons[out[j]] {
			return st.Reasons[out[i]] > st.Reasons[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
