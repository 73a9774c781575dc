// Package packaging turns raw user records into access-tiered, anonymized
// data packages. A package is created against one consent event, carries a
// machine-readable usage policy, and is fetched exactly through a short-lived
// capability token bound to its id.
//
// The anonymization level applied to content is a pure function of the
// requested access level and the buyer's trust tier; it is never negotiable
// per request.
package packaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/MacroAcon/Tavren-sub000/pkg/trust"
)

// Access levels a buyer may request. The first half names precision, the
// second retention.
const (
	AccessPrecisePersistent   = "precise_persistent"
	AccessPreciseShortTerm    = "precise_short_term"
	AccessAnonymousPersistent = "anonymous_persistent"
	AccessAnonymousShortTerm  = "anonymous_short_term"
)

// Anonymization levels, weakest to strongest. LevelStrongLongitudinal keeps
// per-user sequences linkable inside one package; LevelStrong breaks that
// linkability too.
const (
	LevelMinimal            = "minimal"
	LevelModerate           = "moderate"
	LevelStrongLongitudinal = "strong_with_longitudinal"
	LevelStrong             = "strong"
)

// Content lifetimes by retention class.
const (
	ShortTermTTL  = 24 * time.Hour
	PersistentTTL = 30 * 24 * time.Hour
)

var levelTable = map[string]map[string]string{
	AccessPrecisePersistent: {
		trust.TierLow:      LevelModerate,
		trust.TierStandard: LevelMinimal,
		trust.TierHigh:     LevelMinimal,
	},
	AccessPreciseShortTerm: {
		trust.TierLow:      LevelStrongLongitudinal,
		trust.TierStandard: LevelModerate,
		trust.TierHigh:     LevelMinimal,
	},
	AccessAnonymousPersistent: {
		trust.TierLow:      LevelStrong,
		trust.TierStandard: LevelStrongLongitudinal,
		trust.TierHigh:     LevelModerate,
	},
	AccessAnonymousShortTerm: {
		trust.TierLow:      LevelStrong,
		trust.TierStandard: LevelStrong,
		trust.TierHigh:     LevelStrongLongitudinal,
	},
}

// AccessLevels lists the accepted access levels in request order.
func AccessLevels() []string {
	return []string{
		AccessPrecisePersistent,
		AccessPreciseShortTerm,
		AccessAnonymousPersistent,
		AccessAnonymousShortTerm,
	}
}

// ValidAccessLevel reports whether s is one of the four accepted levels.
func ValidAccessLevel(s string) bool {
	_, ok := levelTable[s]
	return ok
}

// DeriveLevel returns the anonymization level applied for an access level
// and trust tier. Unknown tiers are treated as low trust, which selects the
// strongest transform in the row; unknown access levels are an error.
func DeriveLevel(accessLevel, trustTier string) (string, error) {
	row, ok := levelTable[accessLevel]
	if !ok {
		return "", fmt.Errorf("packaging: unknown access level %q", accessLevel)
	}
	level, ok := row[trustTier]
	if !ok {
		level = row[trust.TierLow]
	}
	return level, nil
}

// ExpiryFor returns when content created at now stops being served:
// 24 hours for short_term access levels, 30 days otherwise.
func ExpiryFor(accessLevel string, now time.Time) time.Time {
	if strings.Contains(accessLevel, "short_term") {
		return now.Add(ShortTermTTL).UTC()
	}
	return now.Add(PersistentTTL).UTC()
}
