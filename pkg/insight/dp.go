package insight

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// DPStrategy adds Laplace noise calibrated to the query sensitivity.
// This is a simulation for product analytics, not an accounted privacy
// budget: epsilon is honored per query with no composition tracking.
type DPStrategy struct {
	epsilonMin  float64
	epsilonMax  float64
	clampFactor float64
	uniform     func() float64
}

// DPOption configures the DP strategy.
type DPOption func(*DPStrategy)

// WithEpsilonBounds restricts accepted epsilon values.
func WithEpsilonBounds(min, max float64) DPOption {
	return func(s *DPStrategy) {
		s.epsilonMin = min
		s.epsilonMax = max
	}
}

// WithClampFactor bounds per-user contributions to [0, factor·max].
func WithClampFactor(f float64) DPOption {
	return func(s *DPStrategy) { s.clampFactor = f }
}

// WithUniform injects the uniform [0,1) source behind the Laplace
// sampler. Tests pass a seeded generator.
func WithUniform(fn func() float64) DPOption {
	return func(s *DPStrategy) { s.uniform = fn }
}

// NewDPStrategy builds the differential-privacy strategy.
func NewDPStrategy(opts ...DPOption) *DPStrategy {
	s := &DPStrategy{
		epsilonMin:  0,
		epsilonMax:  math.Inf(1),
		clampFactor: 1.1,
		uniform:     rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DPStrategy) Name() string { return MethodDifferentialPrivacy }

func (s *DPStrategy) ValidateParams(p Params) error {
	if p.QueryType != QueryAverageStoreVisits {
		return fmt.Errorf("%w: %q", ErrUnknownQuery, p.QueryType)
	}
	if p.Epsilon <= 0 {
		return fmt.Errorf("%w: epsilon must be positive", ErrInvalidParams)
	}
	if p.Epsilon < s.epsilonMin || p.Epsilon > s.epsilonMax {
		return fmt.Errorf("%w: epsilon %g outside [%g, %g]", ErrInvalidParams, p.Epsilon, s.epsilonMin, s.epsilonMax)
	}
	return nil
}

// Apply computes the noised average visits per user for each store
// category: per-user counts are clamped to [0, clampFactor·max], the mean
// over users gets Laplace noise with scale sensitivity/epsilon where
// sensitivity is (upper−lower)/n, and the result is floored at zero.
func (s *DPStrategy) Apply(ctx context.Context, data Dataset, p Params) (*Aggregate, error) {
	if err := s.ValidateParams(p); err != nil {
		return nil, err
	}
	counts, err := visitCounts(ctx, data)
	if err != nil {
		return nil, err
	}

	values := make(map[string]float64, len(counts))
	for _, category := range sortedKeys(counts) {
		perUser := counts[category]
		n := float64(len(perUser))

		var maxObserved float64
		for _, c := range perUser {
			maxObserved = math.Max(maxObserved, c)
		}
		upper := s.clampFactor * maxObserved

		var sum float64
		for _, c := range perUser {
			sum += math.Min(math.Max(c, 0), upper)
		}
		mean := sum / n

		sensitivity := upper / n
		noised := mean + s.laplace(sensitivity/p.Epsilon)
		values[category] = math.Max(0, noised)
	}

	return &Aggregate{
		Values: values,
		Details: map[string]any{
			"epsilon":         p.Epsilon,
			"estimated_error": (1 / p.Epsilon) * 100,
		},
	}, nil
}

// laplace samples Laplace(0, scale) by inverse transform.
func (s *DPStrategy) laplace(scale float64) float64 {
	u := s.uniform() - 0.5
	for u == -0.5 {
		u = s.uniform() - 0.5
	}
	return -scale * math.Copysign(math.Log(1-2*math.Abs(u)), u)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
