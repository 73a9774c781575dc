// Package export builds signed, verifiable user-data export bundles for
// data subject requests. A bundle carries the user's profile summary, the
// full consent event chain, the DSR action log, and optionally the PET
// query log, sealed with a canonical SHA-256 hash and an HMAC signature.
package export

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// Version identifies the bundle layout.
const Version = "1.0"

// UserDetails is the profile summary embedded in a bundle.
type UserDetails struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Preferences map[string]any `json:"data_sharing_preferences,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
}

// ConsentSummary is derived from the event stream.
type ConsentSummary struct {
	ActiveScopes   map[string][]string `json:"active_scopes"`
	GrantedCount   int                 `json:"granted_count"`
	WithdrawnCount int                 `json:"withdrawn_count"`
	DSRCount       int                 `json:"dsr_count"`
	FirstEventAt   string              `json:"first_event_at,omitempty"`
	LastEventAt    string              `json:"last_event_at,omitempty"`
}

// Bundle is the export artifact. ExportHash is a canonical SHA-256 over the
// bundle with the hash and signature fields stripped; Signature is an
// HMAC-SHA256 over that hash.
type Bundle struct {
	ExportID        string            `json:"export_id"`
	ExportTimestamp string            `json:"export_timestamp"`
	ExportVersion   string            `json:"export_version"`
	UserID          string            `json:"user_id"`
	UserDetails     *UserDetails      `json:"user_details"`
	ConsentSummary  *ConsentSummary   `json:"consent_summary"`
	ConsentEvents   []*consent.Event  `json:"consent_events"`
	DSRActions      []*consent.Event  `json:"dsr_actions"`
	PETQueries      []*store.PETQuery `json:"pet_queries,omitempty"`
	Annotations     []string          `json:"annotations,omitempty"`
	ExportHash      string            `json:"export_hash,omitempty"`
	Signature       string            `json:"signature,omitempty"`
}

// Options select optional bundle content.
type Options struct {
	IncludePETQueries bool
	Sign              bool
}

// ProfileSource supplies the profile summary.
type ProfileSource interface {
	Get(ctx context.Context, userID string) (*store.Profile, error)
}

// HistorySource supplies the full consent event chain.
type HistorySource interface {
	History(ctx context.Context, userID string) ([]*consent.Event, error)
}

// PETSource supplies the PET query log.
type PETSource interface {
	ByUser(ctx context.Context, userID string) ([]*store.PETQuery, error)
}

// Packager assembles and seals export bundles.
type Packager struct {
	history  HistorySource
	profiles ProfileSource
	pet      PETSource
	signer   *crypto.HMACSigner
	clock    func() time.Time
	log      *slog.Logger
}

// Option configures a Packager.
type Option func(*Packager)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(p *Packager) { p.clock = clock }
}

// WithProfiles attaches a profile source.
func WithProfiles(src ProfileSource) Option {
	return func(p *Packager) { p.profiles = src }
}

// WithPETLog attaches a PET query source.
func WithPETLog(src PETSource) Option {
	return func(p *Packager) { p.pet = src }
}

// NewPackager builds a packager over the consent history source. The signer
// key is the dedicated export HMAC key, never the session or capability
// secret.
func NewPackager(history HistorySource, signer *crypto.HMACSigner, opts ...Option) *Packager {
	p := &Packager{
		history: history,
		signer:  signer,
		clock:   time.Now,
		log:     slog.Default().With("component", "export_packager"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Export assembles a bundle for the user. Optional sections that cannot be
// collected are skipped with an annotation rather than failing the export.
func (p *Packager) Export(ctx context.Context, userID string, opts Options) (*Bundle, error) {
	events, err := p.history.History(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("export: loading consent history: %w", err)
	}

	b := &Bundle{
		ExportID:        uuid.NewString(),
		ExportTimestamp: p.clock().UTC().Format(time.RFC3339Nano),
		ExportVersion:   Version,
		UserID:          userID,
		ConsentEvents:   events,
		DSRActions:      dsrActions(events),
		ConsentSummary:  summarize(events),
	}

	b.UserDetails = p.loadDetails(ctx, userID, b)
	if opts.IncludePETQueries {
		p.loadPETQueries(ctx, userID, b)
	}

	seal, err := p.Seal(b, opts.Sign)
	if err != nil {
		return nil, err
	}
	b.ExportHash = seal.Hash
	b.Signature = seal.Signature

	p.log.Info("export bundle assembled",
		"export_id", b.ExportID,
		"user_id", userID,
		"events", len(events),
		"signed", opts.Sign,
	)
	return b, nil
}

func (p *Packager) loadDetails(ctx context.Context, userID string, b *Bundle) *UserDetails {
	details := &UserDetails{UserID: userID}
	if p.profiles == nil {
		return details
	}
	profile, err := p.profiles.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.log.Warn("profile unavailable for export", "user_id", userID, "error", err)
		}
		b.Annotations = append(b.Annotations, "profile data unavailable")
		return details
	}
	details.DisplayName = profile.DisplayName
	details.Email = profile.Email
	details.Preferences = profile.Preferences
	details.CreatedAt = profile.CreatedAt.UTC().Format(time.RFC3339Nano)
	return details
}

func (p *Packager) loadPETQueries(ctx context.Context, userID string, b *Bundle) {
	if p.pet == nil {
		b.Annotations = append(b.Annotations, "pet query log unavailable")
		return
	}
	queries, err := p.pet.ByUser(ctx, userID)
	if err != nil {
		p.log.Warn("pet query log unavailable for export", "user_id", userID, "error", err)
		b.Annotations = append(b.Annotations, "pet query log unavailable")
		return
	}
	b.PETQueries = queries
}

// SealResult carries a bundle's integrity seal.
type SealResult struct {
	Hash      string
	Signature string
}

// Seal computes the bundle's integrity seal without mutating it.
func (p *Packager) Seal(b *Bundle, sign bool) (*SealResult, error) {
	unsealed := *b
	unsealed.ExportHash = ""
	unsealed.Signature = ""

	canonical, err := crypto.CanonicalMarshal(&unsealed)
	if err != nil {
		return nil, fmt.Errorf("export: canonicalizing bundle: %w", err)
	}
	res := &SealResult{Hash: crypto.HashBytes(canonical)}
	if sign {
		if p.signer == nil {
			return nil, fmt.Errorf("export: signing requested but no signer configured")
		}
		res.Signature = p.signer.Sign([]byte(res.Hash))
	}
	return res, nil
}

// Verify recomputes the bundle's seal and compares it in constant time.
// Unsigned bundles verify on the hash alone.
func (p *Packager) Verify(b *Bundle) bool {
	seal, err := p.Seal(b, false)
	if err != nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(seal.Hash), []byte(b.ExportHash)) != 1 {
		return false
	}
	if b.Signature == "" {
		return true
	}
	if p.signer == nil {
		return false
	}
	return p.signer.Verify([]byte(seal.Hash), b.Signature)
}

func dsrActions(events []*consent.Event) []*consent.Event {
	actions := []*consent.Event{}
	for _, e := range events {
		if e.Action == consent.ActionDSRRequest || e.OfferID == consent.OfferSystemRestriction {
			actions = append(actions, e)
		}
	}
	return actions
}

func summarize(events []*consent.Event) *ConsentSummary {
	s := &ConsentSummary{ActiveScopes: map[string][]string{}}
	active := make(map[string]map[string]bool)
	for _, e := range events {
		switch {
		case e.IsGrant():
			s.GrantedCount++
			if active[e.Scope] == nil {
				active[e.Scope] = make(map[string]bool)
			}
			active[e.Scope][e.Purpose] = true
		case e.IsRevocation():
			s.WithdrawnCount++
			revokeScope(active, e.Scope, e.Purpose)
		case e.Action == consent.ActionDSRRequest:
			s.DSRCount++
		}
	}
	if len(events) > 0 {
		s.FirstEventAt = events[0].TimestampISO()
		s.LastEventAt = events[len(events)-1].TimestampISO()
	}
	for scope, purposes := range active {
		list := make([]string, 0, len(purposes))
		for purpose := range purposes {
			list = append(list, purpose)
		}
		sort.Strings(list)
		s.ActiveScopes[scope] = list
	}
	return s
}

func revokeScope(active map[string]map[string]bool, scope, purpose string) {
	switch {
	case scope == consent.ScopeAll && purpose == consent.PurposeAll:
		for k := range active {
			delete(active, k)
		}
	case scope == consent.ScopeAll:
		for s, purposes := range active {
			delete(purposes, purpose)
			if len(purposes) == 0 {
				delete(active, s)
			}
		}
	case purpose == consent.PurposeAll:
		delete(active, scope)
	default:
		if purposes := active[scope]; purposes != nil {
			delete(purposes, purpose)
			if len(purposes) == 0 {
				delete(active, scope)
			}
		}
	}
}

