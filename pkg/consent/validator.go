package consent

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Validation reasons surfaced to callers. These strings are part of the API
// response shape.
const (
	ReasonRestricted  = "Processing restricted due to Data Subject Request (DSR)"
	ReasonNoHistory   = "No consent history"
	ReasonRevoked     = "Consent revoked"
	ReasonNoConsent   = "No consent found for scope/purpose"
	ReasonCheckFailed = "Consent validation failed due to an internal error"
)

// Restriction describes an active DSR processing restriction.
type Restriction struct {
	Restricted      bool      `json:"restricted"`
	RestrictionType string    `json:"restriction_type,omitempty"`
	Scope           string    `json:"scope,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	RecordedAt      time.Time `json:"recorded_at,omitempty"`
	EventID         int64     `json:"event_id,omitempty"`
}

// RestrictionChecker reports whether a user's processing is restricted by a
// Data Subject Request. The DSR engine implements it; a nil result means no
// restriction.
type RestrictionChecker interface {
	CheckRestrictions(ctx context.Context, userID string) (*Restriction, error)
}

// HistorySource supplies a user's ordered event history. The Ledger
// implements it.
type HistorySource interface {
	History(ctx context.Context, userID string) ([]*Event, error)
}

// Decision is the outcome of a consent validation.
type Decision struct {
	Allowed    bool         `json:"allowed"`
	Reason     string       `json:"reason,omitempty"`
	ConsentID  int64        `json:"consent_id,omitempty"`
	GrantedAt  *time.Time   `json:"granted_at,omitempty"`
	DSRDetails *Restriction `json:"dsr_details,omitempty"`
	Scope      string       `json:"scope"`
	Purpose    string       `json:"purpose"`
}

// Validator decides whether processing is permitted for a (user, scope,
// purpose) triple. DSR restrictions override any opt-in; on internal errors
// the validator fails closed.
type Validator struct {
	history      HistorySource
	restrictions RestrictionChecker
	log          *slog.Logger
}

// NewValidator builds a validator over the given history source and
// restriction checker. The checker may be nil in setups without a DSR
// engine, such as unit tests of pure consent flows.
func NewValidator(history HistorySource, restrictions RestrictionChecker) *Validator {
	return &Validator{
		history:      history,
		restrictions: restrictions,
		log:          slog.Default().With("component", "consent_validator"),
	}
}

// IsAllowed reports whether processing is permitted. The returned decision
// is always usable, including when err is non-nil, in which case it denies.
func (v *Validator) IsAllowed(ctx context.Context, userID, scope, purpose string) (*Decision, error) {
	scope = NormalizeScope(scope)
	purpose = NormalizePurpose(purpose)
	d := &Decision{Scope: scope, Purpose: purpose}

	if v.restrictions != nil {
		r, err := v.restrictions.CheckRestrictions(ctx, userID)
		if err != nil {
			v.log.Error("restriction check failed", "user_id", userID, "error", err)
			d.Reason = ReasonCheckFailed
			return d, err
		}
		if r != nil && r.Restricted {
			d.Reason = ReasonRestricted
			d.DSRDetails = r
			return d, nil
		}
	}

	events, err := v.history.History(ctx, userID)
	if err != nil {
		v.log.Error("history load failed", "user_id", userID, "error", err)
		d.Reason = ReasonCheckFailed
		return d, err
	}
	if len(events) == 0 {
		d.Reason = ReasonNoHistory
		return d, nil
	}

	newest := newestDecisionEvent(events, scope, purpose)
	if newest == nil {
		d.Reason = ReasonNoConsent
		return d, nil
	}
	if newest.IsGrant() {
		d.Allowed = true
		d.ConsentID = newest.ID
		granted := newest.Timestamp
		d.GrantedAt = &granted
		return d, nil
	}
	d.Reason = ReasonRevoked
	d.ConsentID = newest.ID
	return d, nil
}

// newestDecisionEvent selects the most recent grant or revocation relevant
// to (scope, purpose). Events naming the scope explicitly (exact match or
// "all") take precedence over records with an empty scope.
func newestDecisionEvent(events []*Event, scope, purpose string) *Event {
	var explicit, wildcard []*Event
	for _, e := range events {
		if !e.IsGrant() && !e.IsRevocation() {
			continue
		}
		if e.Purpose != purpose && e.Purpose != PurposeAll && e.Purpose != "" {
			continue
		}
		switch e.Scope {
		case scope, ScopeAll:
			explicit = append(explicit, e)
		case "":
			wildcard = append(wildcard, e)
		}
	}
	candidates := explicit
	if len(candidates) == 0 {
		candidates = wildcard
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].Timestamp.Equal(candidates[j].Timestamp) {
			return candidates[i].Timestamp.After(candidates[j].Timestamp)
		}
		return candidates[i].ID > candidates[j].ID
	})
	return candidates[0]
}

// ActiveScopes folds the history in chronological order into the map of
// currently granted scope to purposes. Grants add a pair; revocations
// remove it; revoking purpose "all" clears the scope, and revoking scope
// "all" applies across every scope.
func (v *Validator) ActiveScopes(ctx context.Context, userID string) (map[string][]string, error) {
	events, err := v.history.History(ctx, userID)
	if err != nil {
		return nil, err
	}

	active := make(map[string]map[string]bool)
	for _, e := range events {
		switch {
		case e.IsGrant():
			if active[e.Scope] == nil {
				active[e.Scope] = make(map[string]bool)
			}
			active[e.Scope][e.Purpose] = true
		case e.IsRevocation():
			switch {
			case e.Scope == ScopeAll && e.Purpose == PurposeAll:
				active = make(map[string]map[string]bool)
			case e.Scope == ScopeAll:
				for s, purposes := range active {
					delete(purposes, e.Purpose)
					if len(purposes) == 0 {
						delete(active, s)
					}
				}
			case e.Purpose == PurposeAll:
				delete(active, e.Scope)
			default:
				if purposes := active[e.Scope]; purposes != nil {
					delete(purposes, e.Purpose)
					if len(purposes) == 0 {
						delete(active, e.Scope)
					}
				}
			}
		}
	}

	out := make(map[string][]string, len(active))
	for scope, purposes := range active {
		list := make([]string, 0, len(purposes))
		for p := range purposes {
			list = append(list, p)
		}
		sort.Strings(list)
		out[scope] = list
	}
	return out, nil
}

// HasRevocationSince reports whether any revocation or DSR event was
// recorded at or after the given instant. Operations that authorized
// against an earlier history snapshot call this before persisting
// irreversible effects; on error it reports true, failing closed.
func (v *Validator) HasRevocationSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	events, err := v.history.History(ctx, userID)
	if err != nil {
		return true, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Timestamp.Before(since) {
			break
		}
		if e.IsRevocation() || e.Action == ActionDSRRequest {
			return true, nil
		}
	}
	return false, nil
}
