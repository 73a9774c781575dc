package insight

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// SMPCStrategy simulates secure multi-party computation with additive
// secret sharing: the input is partitioned across N in-process parties,
// each splits its per-category total into shares that sum to the true
// value, and only share sums are combined. Honest-but-curious parties are
// assumed; no network protocol is involved.
type SMPCStrategy struct {
	parties   int
	randShare func() int64
}

// SMPCOption configures the SMPC strategy.
type SMPCOption func(*SMPCStrategy)

// WithParties sets the number of simulated compute parties.
func WithParties(n int) SMPCOption {
	return func(s *SMPCStrategy) { s.parties = n }
}

// WithShareSource injects the random share generator. Shares must cover a
// wide integer range or individual totals leak through small shares.
func WithShareSource(fn func() int64) SMPCOption {
	return func(s *SMPCStrategy) { s.randShare = fn }
}

// NewSMPCStrategy builds the SMPC simulation strategy.
func NewSMPCStrategy(opts ...SMPCOption) *SMPCStrategy {
	s := &SMPCStrategy{
		parties:   3,
		randShare: defaultShare,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultShare() int64 {
	return rand.Int63n(1<<40) - (1 << 39)
}

func (s *SMPCStrategy) Name() string { return MethodSMPC }

func (s *SMPCStrategy) ValidateParams(p Params) error {
	if p.QueryType != QueryAverageStoreVisits {
		return fmt.Errorf("%w: %q", ErrUnknownQuery, p.QueryType)
	}
	if p.MinParties < 2 {
		return fmt.Errorf("%w: min_parties must be at least 2", ErrInvalidParams)
	}
	return nil
}

// Apply partitions users round-robin across the parties, shares each
// party's per-category total additively, recombines the received shares,
// and divides the exact aggregate by (total users × observed periods).
func (s *SMPCStrategy) Apply(ctx context.Context, data Dataset, p Params) (*Aggregate, error) {
	if err := s.ValidateParams(p); err != nil {
		return nil, err
	}
	parties := s.parties
	if p.MinParties > parties {
		parties = p.MinParties
	}

	users := userIDs(data)
	sort.Strings(users)
	partyOf := make(map[string]int, len(users))
	for i, u := range users {
		partyOf[u] = i % parties
	}

	counts, err := visitCounts(ctx, data)
	if err != nil {
		return nil, err
	}
	periods, err := distinctWeeks(ctx, data)
	if err != nil {
		return nil, err
	}

	values := make(map[string]float64, len(counts))
	for _, category := range sortedKeys(counts) {
		totals := make([]int64, parties)
		for user, c := range counts[category] {
			totals[partyOf[user]] += int64(c)
		}

		// Each party splits its total into `parties` shares summing to
		// the true value, then every party sums the shares it received.
		received := make([]int64, parties)
		for p := 0; p < parties; p++ {
			remainder := totals[p]
			for q := 0; q < parties-1; q++ {
				share := s.randShare()
				received[q] += share
				remainder -= share
			}
			received[parties-1] += remainder
		}

		var aggregate int64
		for _, sum := range received {
			aggregate += sum
		}
		values[category] = float64(aggregate) / float64(len(users)*periods)
	}

	return &Aggregate{
		Values: values,
		Details: map[string]any{
			"min_parties": p.MinParties,
			"parties":     parties,
			"periods":     periods,
			"total_users": len(users),
		},
	}, nil
}

// distinctWeeks counts the ISO weeks covered by the data, defaulting to 1
// when no timestamp parses.
func distinctWeeks(ctx context.Context, data Dataset) (int, error) {
	weeks := make(map[string]struct{})
	err := eachBatch(ctx, data, func(rows Dataset) error {
		for _, row := range rows {
			raw, ok := rowString(row, "timestamp")
			if !ok {
				continue
			}
			t, err := parseRowTime(raw)
			if err != nil {
				continue
			}
			year, week := t.ISOWeek()
			weeks[fmt.Sprintf("%04d-W%02d", year, week)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(weeks) == 0 {
		return 1, nil
	}
	return len(weeks), nil
}

func parseRowTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("insight: unparseable timestamp %q", raw)
}
