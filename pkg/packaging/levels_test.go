package packaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacroAcon/Tavren-sub000/pkg/trust"
)

func TestDeriveLevelTable(t *testing.T) {
	cases := []struct {
		access string
		tier   string
		want   string
	}{
		{AccessPrecisePersistent, trust.TierLow, LevelModerate},
		{AccessPrecisePersistent, trust.TierStandard, LevelMinimal},
		{AccessPrecisePersistent, trust.TierHigh, LevelMinimal},
		{AccessPreciseShortTerm, trust.TierLow, LevelStrongLongitudinal},
		{AccessPreciseShortTerm, trust.TierStandard, LevelModerate},
		{AccessPreciseShortTerm, trust.TierHigh, LevelMinimal},
		{AccessAnonymousPersistent, trust.TierLow, LevelStrong},
		{AccessAnonymousPersistent, trust.TierStandard, LevelStrongLongitudinal},
		{AccessAnonymousPersistent, trust.TierHigh, LevelModerate},
		{AccessAnonymousShortTerm, trust.TierLow, LevelStrong},
		{AccessAnonymousShortTerm, trust.TierStandard, LevelStrong},
		{AccessAnonymousShortTerm, trust.TierHigh, LevelStrongLongitudinal},
	}
	for _, tc := range cases {
		got, err := DeriveLevel(tc.access, tc.tier)
		require.NoError(t, err, "%s/%s", tc.access, tc.tier)
		assert.Equal(t, tc.want, got, "%s/%s", tc.access, tc.tier)
	}
}

func TestDeriveLevelUnknownTierFailsClosed(t *testing.T) {
	got, err := DeriveLevel(AccessPrecisePersistent, "platinum")
	require.NoError(t, err)
	assert.Equal(t, LevelModerate, got, "unknown tier should select the low-trust column")
}

func TestDeriveLevelRejectsUnknownAccess(t *testing.T) {
	_, err := DeriveLevel("precise_forever", trust.TierStandard)
	assert.Error(t, err)
}

func TestExpiryFor(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(24*time.Hour), ExpiryFor(AccessPreciseShortTerm, now))
	assert.Equal(t, now.Add(24*time.Hour), ExpiryFor(AccessAnonymousShortTerm, now))
	assert.Equal(t, now.Add(30*24*time.Hour), ExpiryFor(AccessPrecisePersistent, now))
	assert.Equal(t, now.Add(30*24*time.Hour), ExpiryFor(AccessAnonymousPersistent, now))
}
