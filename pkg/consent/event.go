// Package consent implements the append-only, hash-chained consent ledger
// and the validator that gates every data-producing operation on it.
//
// Events are written to two sinks: a relational table for queries and a
// JSON-lines witness file for out-of-band integrity audits. Per-user chain
// linearity is enforced at the storage layer, not with in-process locks, so
// the guarantee holds across multiple server processes.
package consent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Action is the kind of consent change an event records.
type Action string

const (
	ActionOptIn        Action = "opt_in"
	ActionOptOut       Action = "opt_out"
	ActionWithdraw     Action = "withdraw"
	ActionGrantPartial Action = "grant_partial"
	ActionDSRRequest   Action = "dsr_request"
)

// Initiator identifies who caused an event to be recorded.
type Initiator string

const (
	InitiatorUser    Initiator = "user"
	InitiatorUserDSR Initiator = "user_dsr"
	InitiatorSystem  Initiator = "system"
	InitiatorAgent   Initiator = "agent"
)

// Wildcards accepted in scope and purpose fields.
const (
	ScopeAll   = "all"
	PurposeAll = "all"
)

// Reserved offer_id values carried by system-emitted events.
const (
	OfferSystemRestriction = "system_restriction"
	OfferDSRAudit          = "dsr_audit"
)

// Metadata keys recognized by the DSR engine and the validator.
const (
	MetaDSRType                  = "dsr_type"
	DSRTypeProcessingRestriction = "processing_restriction"
)

// GenesisHash is the prev_hash sentinel for the first event of a user.
const GenesisHash = "0"

var (
	// ErrLedgerWrite wraps any failure to persist an event to both sinks.
	ErrLedgerWrite = errors.New("consent: ledger write failed")
	// ErrInvalidEvent marks drafts that fail validation before any write.
	ErrInvalidEvent = errors.New("consent: invalid event")
	// ErrEventNotFound is returned by lookups for an id with no event.
	ErrEventNotFound = errors.New("consent: event not found")
)

// Metadata is the free-form structured payload attached to an event.
type Metadata map[string]any

// Event is one immutable ledger record. Hash covers (id, user_id, action,
// timestamp, prev_hash); the remaining fields are carried for audit and
// query convenience.
type Event struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	Action         Action    `json:"action"`
	Timestamp      time.Time `json:"-"`
	OfferID        string    `json:"offer_id"`
	Scope          string    `json:"scope"`
	Purpose        string    `json:"purpose"`
	InitiatedBy    Initiator `json:"initiated_by"`
	Reason         string    `json:"reason"`
	ReasonCategory string    `json:"reason_category"`
	Metadata       Metadata  `json:"metadata"`
	PrevHash       string    `json:"prev_hash"`
	Hash           string    `json:"hash"`
}

// TimestampISO renders the event timestamp exactly as it is hashed:
// RFC 3339 UTC with sub-second precision.
func (e *Event) TimestampISO() string {
	return e.Timestamp.UTC().Format(time.RFC3339Nano)
}

// IsGrant reports whether the event grants processing permission.
func (e *Event) IsGrant() bool {
	return e.Action == ActionOptIn || e.Action == ActionGrantPartial
}

// IsRevocation reports whether the event withdraws permission.
func (e *Event) IsRevocation() bool {
	return e.Action == ActionOptOut || e.Action == ActionWithdraw
}

type eventAlias Event

type eventWire struct {
	Timestamp string `json:"timestamp"`
	*eventAlias
}

// MarshalJSON emits the JSON-lines wire form, with the timestamp as an
// ISO-8601 UTC string.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventWire{Timestamp: e.TimestampISO(), eventAlias: (*eventAlias)(e)})
}

// UnmarshalJSON parses the wire form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(b []byte) error {
	aux := eventWire{eventAlias: (*eventAlias)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("consent: malformed event timestamp %q: %w", aux.Timestamp, err)
		}
		e.Timestamp = t.UTC()
	}
	return nil
}

// Draft is the caller-supplied portion of an event. The ledger assigns id,
// timestamp, prev_hash, and hash on record.
type Draft struct {
	UserID         string
	Action         Action
	Scope          string
	Purpose        string
	InitiatedBy    Initiator
	OfferID        string
	Reason         string
	ReasonCategory string
	Metadata       Metadata
}

var knownActions = map[Action]bool{
	ActionOptIn:        true,
	ActionOptOut:       true,
	ActionWithdraw:     true,
	ActionGrantPartial: true,
	ActionDSRRequest:   true,
}

var knownInitiators = map[Initiator]bool{
	InitiatorUser:    true,
	InitiatorUserDSR: true,
	InitiatorSystem:  true,
	InitiatorAgent:   true,
}

func (d *Draft) validate() error {
	if d.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidEvent)
	}
	if !knownActions[d.Action] {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, d.Action)
	}
	if !knownInitiators[d.InitiatedBy] {
		return fmt.Errorf("%w: unknown initiator %q", ErrInvalidEvent, d.InitiatedBy)
	}
	return nil
}

func (d *Draft) newEvent(now time.Time) *Event {
	e := &Event{
		UserID:         d.UserID,
		Action:         d.Action,
		Scope:          d.Scope,
		Purpose:        d.Purpose,
		InitiatedBy:    d.InitiatedBy,
		OfferID:        d.OfferID,
		Reason:         d.Reason,
		ReasonCategory: d.ReasonCategory,
		// Microsecond precision survives the round trip through every
		// supported store, so recomputed hashes match persisted ones.
		Timestamp: now.UTC().Truncate(time.Microsecond),
	}
	if d.Metadata != nil {
		e.Metadata = make(Metadata, len(d.Metadata))
		for k, v := range d.Metadata {
			e.Metadata[k] = v
		}
	}
	return e
}

// NormalizeScope folds a scope label to NFC, trims surrounding space, and
// lowercases it so "Location" and "location" address the same consent state.
func NormalizeScope(s string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(s)))
}

// NormalizePurpose applies the same folding as NormalizeScope.
func NormalizePurpose(s string) string {
	return NormalizeScope(s)
}
