package insight

import (
	"context"
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededShares(seed int64) func() int64 {
	r := mrand.New(mrand.NewSource(seed))
	return func() int64 { return r.Int63n(1<<40) - (1 << 39) }
}

func TestSMPCMatchesCentralizedAggregate(t *testing.T) {
	s := NewSMPCStrategy(WithShareSource(seededShares(3)))

	// 2+4+6+8 = 20 grocery visits across 4 users, one ISO week.
	var data Dataset
	data = append(data, visitRows("u1", "grocery", 2)...)
	data = append(data, visitRows("u2", "grocery", 4)...)
	data = append(data, visitRows("u3", "grocery", 6)...)
	data = append(data, visitRows("u4", "grocery", 8)...)
	data = append(data, visitRows("u1", "pharmacy", 3)...)

	agg, err := s.Apply(context.Background(), data, Params{QueryType: QueryAverageStoreVisits, MinParties: 2})
	require.NoError(t, err)

	// Additive shares reconstruct the exact total, so the average is the
	// centralized value with no noise.
	assert.Equal(t, 5.0, agg.Values["grocery"], "20 visits / (4 users × 1 period)")
	assert.Equal(t, 0.75, agg.Values["pharmacy"], "3 visits / (4 users × 1 period)")
	assert.Equal(t, 3, agg.Details["parties"])
	assert.Equal(t, 1, agg.Details["periods"])
	assert.Equal(t, 4, agg.Details["total_users"])
}

func TestSMPCReconstructionStableAcrossShareSeeds(t *testing.T) {
	var data Dataset
	data = append(data, visitRows("u1", "grocery", 7)...)
	data = append(data, visitRows("u2", "grocery", 5)...)

	params := Params{QueryType: QueryAverageStoreVisits, MinParties: 3}
	for _, seed := range []int64{1, 42, 1234} {
		s := NewSMPCStrategy(WithShareSource(seededShares(seed)))
		agg, err := s.Apply(context.Background(), data, params)
		require.NoError(t, err)
		assert.Equal(t, 6.0, agg.Values["grocery"], "seed %d", seed)
	}
}

func TestSMPCDividesByObservedPeriods(t *testing.T) {
	s := NewSMPCStrategy(WithShareSource(seededShares(7)))

	week1 := Row{"user_id": "u1", "store_category": "grocery", "timestamp": "2025-03-03T09:00:00Z"}
	week2 := Row{"user_id": "u2", "store_category": "grocery", "timestamp": "2025-03-10T09:00:00Z"}
	data := Dataset{week1, week1, week1, week1, week2, week2, week2, week2}

	agg, err := s.Apply(context.Background(), data, Params{QueryType: QueryAverageStoreVisits, MinParties: 2})
	require.NoError(t, err)
	assert.Equal(t, 2.0, agg.Values["grocery"], "8 visits / (2 users × 2 weeks)")
	assert.Equal(t, 2, agg.Details["periods"])
}

func TestSMPCMinPartiesRaisesPartyCount(t *testing.T) {
	s := NewSMPCStrategy(WithParties(3), WithShareSource(seededShares(11)))
	data := visitRows("u1", "grocery", 4)

	agg, err := s.Apply(context.Background(), data, Params{QueryType: QueryAverageStoreVisits, MinParties: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, agg.Details["parties"])
	assert.Equal(t, 4.0, agg.Values["grocery"])
}

func TestSMPCValidateParams(t *testing.T) {
	s := NewSMPCStrategy()
	assert.ErrorIs(t, s.ValidateParams(Params{QueryType: QueryAverageStoreVisits}), ErrInvalidParams)
	assert.ErrorIs(t, s.ValidateParams(Params{QueryType: QueryAverageStoreVisits, MinParties: 1}), ErrInvalidParams)
	assert.ErrorIs(t, s.ValidateParams(Params{QueryType: "median_income", MinParties: 2}), ErrUnknownQuery)
	assert.NoError(t, s.ValidateParams(Params{QueryType: QueryAverageStoreVisits, MinParties: 2}))
}
