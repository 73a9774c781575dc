package insight

import (
	"context"
	"math"
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroNoise pins the uniform source to 0.5, which the inverse transform
// maps to exactly zero Laplace noise.
func zeroNoise() float64 { return 0.5 }

func visitRows(user, category string, n int) Dataset {
	rows := make(Dataset, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, Row{"user_id": user, "store_category": category, "timestamp": "2025-03-03T10:00:00Z"})
	}
	return rows
}

func TestDPAverageStoreVisits(t *testing.T) {
	s := NewDPStrategy(WithUniform(zeroNoise))
	data := append(visitRows("u1", "grocery", 3), visitRows("u2", "grocery", 1)...)
	data = append(data, visitRows("u2", "pharmacy", 2)...)
	data = append(data, Row{"store_category": "grocery"}) // no user, skipped

	agg, err := s.Apply(context.Background(), data, Params{QueryType: QueryAverageStoreVisits, Epsilon: 1.0})
	require.NoError(t, err)

	assert.Equal(t, 2.0, agg.Values["grocery"], "mean of 3 and 1 visits")
	assert.Equal(t, 2.0, agg.Values["pharmacy"])
	assert.Equal(t, 1.0, agg.Details["epsilon"])
	assert.Equal(t, 100.0, agg.Details["estimated_error"])
}

func TestDPErrorShrinksAsEpsilonGrows(t *testing.T) {
	data := append(visitRows("u1", "grocery", 3), visitRows("u2", "grocery", 1)...)
	const trueMean = 2.0

	meanError := func(epsilon float64) float64 {
		// Same seed per epsilon, so every trial draws the same uniform
		// value and only the noise scale differs.
		r := mrand.New(mrand.NewSource(99))
		s := NewDPStrategy(WithUniform(r.Float64))
		var total float64
		const trials = 200
		for i := 0; i < trials; i++ {
			agg, err := s.Apply(context.Background(), data, Params{QueryType: QueryAverageStoreVisits, Epsilon: epsilon})
			require.NoError(t, err)
			total += math.Abs(agg.Values["grocery"] - trueMean)
		}
		return total / trials
	}

	loose := meanError(0.1)
	mid := meanError(1.0)
	tight := meanError(10.0)
	assert.Greater(t, loose, mid)
	assert.Greater(t, mid, tight)
}

func TestDPResultFlooredAtZero(t *testing.T) {
	// A uniform draw near 1.0 produces a large negative noise sample.
	s := NewDPStrategy(WithUniform(func() float64 { return 0.9999 }))
	data := append(visitRows("u1", "grocery", 3), visitRows("u2", "grocery", 1)...)

	agg, err := s.Apply(context.Background(), data, Params{QueryType: QueryAverageStoreVisits, Epsilon: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, agg.Values["grocery"])
}

func TestDPValidateParams(t *testing.T) {
	s := NewDPStrategy()
	assert.ErrorIs(t, s.ValidateParams(Params{QueryType: QueryAverageStoreVisits}), ErrInvalidParams)
	assert.ErrorIs(t, s.ValidateParams(Params{QueryType: QueryAverageStoreVisits, Epsilon: -1}), ErrInvalidParams)
	assert.ErrorIs(t, s.ValidateParams(Params{QueryType: "median_income", Epsilon: 1}), ErrUnknownQuery)
	assert.NoError(t, s.ValidateParams(Params{QueryType: QueryAverageStoreVisits, Epsilon: 0.5}))

	bounded := NewDPStrategy(WithEpsilonBounds(0.01, 10))
	assert.ErrorIs(t, bounded.ValidateParams(Params{QueryType: QueryAverageStoreVisits, Epsilon: 100}), ErrInvalidParams)
	assert.ErrorIs(t, bounded.ValidateParams(Params{QueryType: QueryAverageStoreVisits, Epsilon: 0.001}), ErrInvalidParams)
	assert.NoError(t, bounded.ValidateParams(Params{QueryType: QueryAverageStoreVisits, Epsilon: 0.01}))
}

func TestDPCancelledBetweenBatches(t *testing.T) {
	s := NewDPStrategy(WithUniform(zeroNoise))
	data := visitRows("u1", "grocery", 3*batchSize)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Apply(ctx, data, Params{QueryType: QueryAverageStoreVisits, Epsilon: 1.0})
	assert.ErrorIs(t, err, context.Canceled)
}
