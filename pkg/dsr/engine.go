// Package dsr implements the Data Subject Request engine: export, delete,
// and restrict operations. Restrictions override consent and are enforced
// by the consent validator through CheckRestrictions.
package dsr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MacroAcon/Tavren-sub000/pkg/audit"
	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/export"
)

// DSR request types carried in ledger event metadata.
const (
	TypeExport   = "export"
	TypeDeletion = "deletion"
)

// Data categories named in deletion reports.
const (
	CategoryProfile        = "profile"
	CategoryRewards        = "rewards"
	CategoryPETQueries     = "pet_queries"
	CategoryConsentHistory = "consent_history"
	CategoryPayoutRecords  = "payout_records"
)

// Ledger is the slice of the consent ledger the engine needs.
type Ledger interface {
	Record(ctx context.Context, d consent.Draft) (*consent.Event, error)
	History(ctx context.Context, userID string) ([]*consent.Event, error)
	Purge(ctx context.Context, userID string) (int64, error)
}

// Exporter assembles signed export bundles.
type Exporter interface {
	Export(ctx context.Context, userID string, opts export.Options) (*export.Bundle, error)
}

// ProfileDeleter removes the user profile row.
type ProfileDeleter interface {
	Delete(ctx context.Context, userID string) (bool, error)
}

// RewardDeleter removes earned-reward rows. Payout rows stay.
type RewardDeleter interface {
	DeleteUserRewards(ctx context.Context, userID string) (int64, error)
}

// PETDeleter removes PET query log rows.
type PETDeleter interface {
	DeleteUser(ctx context.Context, userID string) (int64, error)
}

// Engine executes data subject requests. Every operation emits a ledger
// event and an audit entry.
type Engine struct {
	ledger   Ledger
	exporter Exporter
	profiles ProfileDeleter
	rewards  RewardDeleter
	pet      PETDeleter
	auditLog audit.Log
	clock    func() time.Time
	log      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithProfiles attaches the profile deleter.
func WithProfiles(p ProfileDeleter) Option {
	return func(e *Engine) { e.profiles = p }
}

// WithRewards attaches the reward deleter.
func WithRewards(r RewardDeleter) Option {
	return func(e *Engine) { e.rewards = r }
}

// WithPETLog attaches the PET query deleter.
func WithPETLog(p PETDeleter) Option {
	return func(e *Engine) { e.pet = p }
}

// WithAuditLog attaches the audit log.
func WithAuditLog(l audit.Log) Option {
	return func(e *Engine) { e.auditLog = l }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine builds a DSR engine over the ledger and export packager.
func NewEngine(ledger Ledger, exporter Exporter, opts ...Option) *Engine {
	e := &Engine{
		ledger:   ledger,
		exporter: exporter,
		clock:    time.Now,
		log:      slog.Default().With("component", "dsr_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExportOptions selects optional export content.
type ExportOptions struct {
	IncludePETQueries bool
	Sign              bool
}

// Export records the request in the ledger, then assembles the bundle. The
// bundle therefore contains its own request event, which gives users a
// receipt inside the artifact itself.
func (e *Engine) Export(ctx context.Context, userID string, opts ExportOptions) (*export.Bundle, error) {
	ev, err := e.ledger.Record(ctx, consent.Draft{
		UserID:      userID,
		Action:      consent.ActionDSRRequest,
		InitiatedBy: consent.InitiatorUserDSR,
		OfferID:     consent.OfferDSRAudit,
		Scope:       consent.ScopeAll,
		Purpose:     consent.PurposeAll,
		Metadata:    consent.Metadata{consent.MetaDSRType: TypeExport},
	})
	if err != nil {
		return nil, fmt.Errorf("dsr: recording export request: %w", err)
	}

	bundle, err := e.exporter.Export(ctx, userID, export.Options{
		IncludePETQueries: opts.IncludePETQueries,
		Sign:              opts.Sign,
	})
	if err != nil {
		e.audit(ctx, &audit.Record{
			Operation: audit.OpDSRExport, UserID: userID, ConsentID: ev.ID,
			Status: audit.StatusError, ErrorMessage: err.Error(),
		})
		return nil, fmt.Errorf("dsr: assembling export: %w", err)
	}

	e.audit(ctx, &audit.Record{
		Operation: audit.OpDSRExport, UserID: userID, ConsentID: ev.ID,
		Status:   audit.StatusSuccess,
		Metadata: map[string]any{"export_id": bundle.ExportID, "signed": opts.Sign},
	})
	return bundle, nil
}

// DeleteOptions controls which categories a deletion covers. Consent
// history is preserved unless DeleteConsent is explicitly set.
type DeleteOptions struct {
	DeleteProfile bool
	DeleteConsent bool
}

// DeletionReport lists what a deletion removed and what it kept.
type DeletionReport struct {
	UserID      string           `json:"user_id"`
	Deleted     []string         `json:"deleted"`
	Preserved   []string         `json:"preserved"`
	Counts      map[string]int64 `json:"counts"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Delete removes the user's data. Reward rows always go; payout rows are
// financial records and always stay; consent history stays unless
// explicitly requested, so the audit chain survives routine deletions.
func (e *Engine) Delete(ctx context.Context, userID string, opts DeleteOptions) (*DeletionReport, error) {
	ev, err := e.ledger.Record(ctx, consent.Draft{
		UserID:      userID,
		Action:      consent.ActionDSRRequest,
		InitiatedBy: consent.InitiatorUserDSR,
		OfferID:     consent.OfferDSRAudit,
		Scope:       consent.ScopeAll,
		Purpose:     consent.PurposeAll,
		Metadata: consent.Metadata{
			consent.MetaDSRType: TypeDeletion,
			"delete_profile":    opts.DeleteProfile,
			"delete_consent":    opts.DeleteConsent,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dsr: recording deletion request: %w", err)
	}

	report := &DeletionReport{
		UserID:      userID,
		Counts:      map[string]int64{},
		CompletedAt: e.clock().UTC(),
		Preserved:   []string{CategoryPayoutRecords},
	}

	if opts.DeleteProfile && e.profiles != nil {
		existed, err := e.profiles.Delete(ctx, userID)
		if err != nil {
			return nil, e.deleteFailed(ctx, userID, ev.ID, CategoryProfile, err)
		}
		if existed {
			report.Counts[CategoryProfile] = 1
		}
		report.Deleted = append(report.Deleted, CategoryProfile)
	}

	if e.rewards != nil {
		n, err := e.rewards.DeleteUserRewards(ctx, userID)
		if err != nil {
			return nil, e.deleteFailed(ctx, userID, ev.ID, CategoryRewards, err)
		}
		report.Counts[CategoryRewards] = n
		report.Deleted = append(report.Deleted, CategoryRewards)
	}

	if e.pet != nil {
		n, err := e.pet.DeleteUser(ctx, userID)
		if err != nil {
			return nil, e.deleteFailed(ctx, userID, ev.ID, CategoryPETQueries, err)
		}
		report.Counts[CategoryPETQueries] = n
		report.Deleted = append(report.Deleted, CategoryPETQueries)
	}

	if opts.DeleteConsent {
		n, err := e.ledger.Purge(ctx, userID)
		if err != nil {
			return nil, e.deleteFailed(ctx, userID, ev.ID, CategoryConsentHistory, err)
		}
		report.Counts[CategoryConsentHistory] = n
		report.Deleted = append(report.Deleted, CategoryConsentHistory)
	} else {
		report.Preserved = append(report.Preserved, CategoryConsentHistory)
	}

	e.audit(ctx, &audit.Record{
		Operation: audit.OpDSRDelete, UserID: userID, ConsentID: ev.ID,
		Status: audit.StatusSuccess,
		Metadata: map[string]any{
			"deleted":   report.Deleted,
			"preserved": report.Preserved,
		},
	})
	e.log.Info("dsr deletion completed", "user_id", userID, "deleted", report.Deleted)
	return report, nil
}

func (e *Engine) deleteFailed(ctx context.Context, userID string, consentID int64, category string, err error) error {
	e.audit(ctx, &audit.Record{
		Operation: audit.OpDSRDelete, UserID: userID, ConsentID: consentID,
		Status: audit.StatusError, ErrorMessage: err.Error(),
		Metadata: map[string]any{"failed_category": category},
	})
	return fmt.Errorf("dsr: deleting %s: %w", category, err)
}

// RestrictionReport describes a recorded processing restriction.
type RestrictionReport struct {
	UserID       string    `json:"user_id"`
	Scope        string    `json:"scope"`
	Reason       string    `json:"reason,omitempty"`
	RestrictedAt time.Time `json:"restricted_at"`
	EventIDs     []int64   `json:"event_ids"`
}

// Restrict records the two restriction sentinels: the audit-rich
// dsr_request event and the cheap opt_out guard with the system_restriction
// offer id. Either alone is enough for the validator to deny processing, so
// a failure between the two writes still leaves the user restricted.
func (e *Engine) Restrict(ctx context.Context, userID, scope, reason string) (*RestrictionReport, error) {
	if scope == "" {
		scope = consent.ScopeAll
	}

	request, err := e.ledger.Record(ctx, consent.Draft{
		UserID:      userID,
		Action:      consent.ActionDSRRequest,
		InitiatedBy: consent.InitiatorUserDSR,
		OfferID:     consent.OfferDSRAudit,
		Scope:       scope,
		Purpose:     consent.PurposeAll,
		Reason:      reason,
		Metadata: consent.Metadata{
			consent.MetaDSRType: consent.DSRTypeProcessingRestriction,
			"restriction_scope": scope,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dsr: recording restriction request: %w", err)
	}

	guard, err := e.ledger.Record(ctx, consent.Draft{
		UserID:      userID,
		Action:      consent.ActionOptOut,
		InitiatedBy: consent.InitiatorUserDSR,
		OfferID:     consent.OfferSystemRestriction,
		Scope:       consent.ScopeAll,
		Purpose:     consent.PurposeAll,
		Reason:      reason,
	})
	if err != nil {
		return nil, fmt.Errorf("dsr: recording restriction guard: %w", err)
	}

	e.audit(ctx, &audit.Record{
		Operation: audit.OpDSRRestrict, UserID: userID, ConsentID: request.ID,
		Status:   audit.StatusSuccess,
		Metadata: map[string]any{"scope": scope, "reason": reason},
	})
	e.log.Info("processing restricted", "user_id", userID, "scope", scope)

	return &RestrictionReport{
		UserID:       userID,
		Scope:        scope,
		Reason:       reason,
		RestrictedAt: request.Timestamp,
		EventIDs:     []int64{request.ID, guard.ID},
	}, nil
}

// CheckRestrictions implements consent.RestrictionChecker by scanning the
// user's history for either restriction sentinel. The newest match supplies
// the details.
func (e *Engine) CheckRestrictions(ctx context.Context, userID string) (*consent.Restriction, error) {
	events, err := e.ledger.History(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("dsr: loading history for restriction check: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Action == consent.ActionDSRRequest {
			if t, ok := ev.Metadata[consent.MetaDSRType].(string); ok && t == consent.DSRTypeProcessingRestriction {
				return restrictionFrom(ev, "dsr_request"), nil
			}
		}
		if ev.Action == consent.ActionOptOut && ev.OfferID == consent.OfferSystemRestriction {
			return restrictionFrom(ev, "system_restriction"), nil
		}
	}
	return nil, nil
}

func restrictionFrom(ev *consent.Event, kind string) *consent.Restriction {
	scope := ev.Scope
	if s, ok := ev.Metadata["restriction_scope"].(string); ok && s != "" {
		scope = s
	}
	return &consent.Restriction{
		Restricted:      true,
		RestrictionType: kind,
		Scope:           scope,
		Reason:          ev.Reason,
		RecordedAt:      ev.Timestamp,
		EventID:         ev.ID,
	}
}

func (e *Engine) audit(ctx context.Context, rec *audit.Record) {
	if e.auditLog == nil {
		return
	}
	if err := e.auditLog.Append(ctx, rec); err != nil {
		e.log.Error("audit append failed", "operation", rec.Operation, "user_id", rec.UserID, "error", err)
	}
}
