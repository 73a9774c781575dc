package trust

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// Sensitivity ceilings per access level. Restricted buyers see only
// low-sensitivity offers; limited buyers lose the high tier; full buyers
// see everything.
var maxSensitivity = map[string]int{
	AccessRestricted: sensitivityRank(store.SensitivityLow),
	AccessLimited:    sensitivityRank(store.SensitivityMedium),
	AccessFull:       sensitivityRank(store.SensitivityHigh),
}

func sensitivityRank(level string) int {
	switch level {
	case store.SensitivityHigh:
		return 2
	case store.SensitivityMedium:
		return 1
	default:
		return 0
	}
}

// OfferFilter hides offers a buyer's access level does not cover. An
// optional CEL rule from the policy overlay tightens the filter further;
// rule errors exclude the offer, never admit it.
type OfferFilter struct {
	trust *Service

	mu   sync.Mutex
	env  *cel.Env
	prg  cel.Program
	rule string
}

// NewOfferFilter builds the filter. rule is the CEL expression from the
// policy overlay; empty means access-level filtering only. The expression
// sees `offer` (sensitivity, data_type, access_level) and `buyer`
// (trust_score, access_level) and must evaluate to bool.
func NewOfferFilter(trust *Service, rule string) (*OfferFilter, error) {
	f := &OfferFilter{trust: trust, rule: rule}
	if rule == "" {
		return f, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("offer", cel.DynType),
		cel.Variable("buyer", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("trust: creating offer policy environment: %w", err)
	}
	ast, issues := env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("trust: compiling offer policy: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10_000),
	)
	if err != nil {
		return nil, fmt.Errorf("trust: building offer policy program: %w", err)
	}
	f.env = env
	f.prg = prg
	return f, nil
}

// Eligible returns the subset of offers the buyer may see, plus the stats
// the decision was based on.
func (f *OfferFilter) Eligible(ctx context.Context, buyerID string, offers []*store.Offer) ([]*store.Offer, *Stats, error) {
	stats, err := f.trust.Stats(ctx, buyerID)
	if err != nil {
		return nil, nil, err
	}

	ceiling := maxSensitivity[stats.AccessLevel]
	eligible := []*store.Offer{}
	for _, o := range offers {
		if sensitivityRank(o.Sensitivity) > ceiling {
			continue
		}
		if f.prg != nil && !f.ruleAdmits(o, stats) {
			continue
		}
		eligible = append(eligible, o)
	}
	return eligible, stats, nil
}

// ruleAdmits evaluates the CEL rule for one (offer, buyer) pair. Any
// evaluation error fails closed.
func (f *OfferFilter) ruleAdmits(o *store.Offer, stats *Stats) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	out, _, err := f.prg.Eval(map[string]any{
		"offer": map[string]any{
			"sensitivity":  o.Sensitivity,
			"data_type":    o.DataType,
			"access_level": o.AccessLevel,
			"payout":       o.Payout,
		},
		"buyer": map[string]any{
			"trust_score":  stats.TrustScore,
			"access_level": stats.AccessLevel,
			"is_risky":     stats.IsRisky,
		},
	})
	if err != nil {
		f.trust.log.Warn("offer policy evaluation failed, excluding offer",
			"offer_id", o.OfferID, "rule", f.rule, "error", err)
		return false
	}
	admitted, ok := out.Value().(bool)
	if !ok {
		f.trust.log.Warn("offer policy returned non-bool, excluding offer", "offer_id", o.OfferID)
		return false
	}
	return admitted
}
