package packaging

import "github.com/MacroAcon/Tavren-sub000/pkg/trust"

// UsagePolicy is the machine-readable (MCP) usage statement attached to
// package metadata. It is informational: enforcement happens in buyer
// agreements, not in this service.
type UsagePolicy struct {
	PermittedUses  []string `json:"permitted_uses"`
	ProhibitedUses []string `json:"prohibited_uses"`
	AuditCadence   string   `json:"audit_cadence"`
}

var permittedUses = map[string][]string{
	AccessPrecisePersistent:   {"analytics", "personalization", "research"},
	AccessPreciseShortTerm:    {"analytics", "transient_personalization"},
	AccessAnonymousPersistent: {"analytics", "aggregated_insights"},
	AccessAnonymousShortTerm:  {"single_use_analytics"},
}

var prohibitedUses = []string{"resale", "unauthorized_sharing"}

var auditCadence = map[string]string{
	trust.TierLow:      "weekly",
	trust.TierStandard: "monthly",
	trust.TierHigh:     "quarterly",
}

// PolicyFor returns the usage policy for an access level and trust tier.
// Unknown access levels permit nothing; unknown tiers get the weekly
// cadence.
func PolicyFor(accessLevel, trustTier string) UsagePolicy {
	permitted := permittedUses[accessLevel]
	cadence, ok := auditCadence[trustTier]
	if !ok {
		cadence = "weekly"
	}
	return UsagePolicy{
		PermittedUses:  append([]string(nil), permitted...),
		ProhibitedUses: append([]string(nil), prohibitedUses...),
		AuditCadence:   cadence,
	}
}
