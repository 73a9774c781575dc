package packaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/MacroAcon/Tavren-sub000/pkg/audit"
	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
	"github.com/MacroAcon/Tavren-sub000/pkg/trust"
)

// ErrBadRequest marks requests rejected before any packaging work happens.
var ErrBadRequest = errors.New("packaging: invalid package request")

// EventSource looks up single ledger events for consent binding checks.
// The consent ledger implements it.
type EventSource interface {
	Event(ctx context.Context, id int64) (*consent.Event, error)
}

// ConsentChecker is the slice of the consent validator the service needs.
type ConsentChecker interface {
	IsAllowed(ctx context.Context, userID, scope, purpose string) (*consent.Decision, error)
	HasRevocationSince(ctx context.Context, userID string, since time.Time) (bool, error)
}

// Service creates and serves data packages. Consent is verified twice per
// creation: once before any work, and again immediately before the token is
// issued, so a revocation landing mid-flight can never be outrun.
type Service struct {
	events    EventSource
	validator ConsentChecker
	pkgs      Store
	anon      *Anonymizer
	tokens    *TokenIssuer
	source    RecordSource
	cipher    *ContentCipher
	auditLog  audit.Log
	clock     func() time.Time
	newID     func() string
	log       *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSource attaches the raw record source. The default is an empty
// static source, which yields empty packages.
func WithSource(src RecordSource) ServiceOption {
	return func(s *Service) { s.source = src }
}

// WithCipher turns on at-rest content encryption.
func WithCipher(c *ContentCipher) ServiceOption {
	return func(s *Service) { s.cipher = c }
}

// WithAuditLog attaches the audit log.
func WithAuditLog(l audit.Log) ServiceOption {
	return func(s *Service) { s.auditLog = l }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService builds the packaging service over its required collaborators.
func NewService(events EventSource, validator ConsentChecker, pkgs Store, anon *Anonymizer, tokens *TokenIssuer, opts ...ServiceOption) *Service {
	s := &Service{
		events:    events,
		validator: validator,
		pkgs:      pkgs,
		anon:      anon,
		tokens:    tokens,
		source:    NewStaticSource(),
		clock:     time.Now,
		newID:     uuid.NewString,
		log:       slog.Default().With("component", "packaging"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request describes one package creation.
type Request struct {
	UserID      string `json:"user_id"`
	DataType    string `json:"data_type"`
	AccessLevel string `json:"access_level"`
	ConsentID   int64  `json:"consent_id"`
	Purpose     string `json:"purpose"`
	BuyerID     string `json:"buyer_id,omitempty"`
	TrustTier   string `json:"trust_tier,omitempty"`
}

func (s *Service) checkRequest(req *Request) (*Schema, error) {
	if req.TrustTier == "" {
		req.TrustTier = trust.TierStandard
	}
	switch {
	case req.UserID == "":
		return nil, fmt.Errorf("%w: user_id is required", ErrBadRequest)
	case req.ConsentID <= 0:
		return nil, fmt.Errorf("%w: consent_id is required", ErrBadRequest)
	case req.Purpose == "":
		return nil, fmt.Errorf("%w: purpose is required", ErrBadRequest)
	case !ValidAccessLevel(req.AccessLevel):
		return nil, fmt.Errorf("%w: access_level must be one of %v", ErrBadRequest, AccessLevels())
	}
	schema, err := SchemaFor(req.DataType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return schema, nil
}

// Create builds a package. Consent denials and unnormalizable content
// return an error-shaped package and a nil error: the request was handled,
// the artifact records the refusal. A non-nil error means infrastructure
// failed and nothing was persisted.
func (s *Service) Create(ctx context.Context, req Request) (*Package, error) {
	schema, err := s.checkRequest(&req)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	p := &Package{
		ID:          s.newID(),
		ConsentID:   req.ConsentID,
		UserID:      req.UserID,
		DataType:    req.DataType,
		AccessLevel: req.AccessLevel,
		Purpose:     req.Purpose,
		BuyerID:     req.BuyerID,
		TrustTier:   req.TrustTier,
		CreatedAt:   now,
	}

	ev, err := s.events.Event(ctx, req.ConsentID)
	switch {
	case errors.Is(err, consent.ErrEventNotFound):
		return s.errorPackage(ctx, p, audit.OpDenied, "consent event not found")
	case err != nil:
		return nil, fmt.Errorf("packaging: loading consent event: %w", err)
	case ev.UserID != req.UserID || !ev.IsGrant():
		return s.errorPackage(ctx, p, audit.OpDenied, "consent event does not grant this request")
	}

	decision, err := s.validator.IsAllowed(ctx, req.UserID, req.DataType, req.Purpose)
	if err != nil {
		return nil, fmt.Errorf("packaging: consent validation: %w", err)
	}
	if !decision.Allowed {
		return s.errorPackage(ctx, p, audit.OpDenied, decision.Reason)
	}

	records, err := s.source.Records(ctx, req.UserID, req.DataType)
	if err != nil {
		return nil, fmt.Errorf("packaging: loading records: %w", err)
	}

	level, err := DeriveLevel(req.AccessLevel, req.TrustTier)
	if err != nil {
		return nil, err
	}
	p.Anonymization = level

	anonymized, err := s.anon.Apply(level, records)
	if err != nil {
		return nil, err
	}

	normalized := make([]Record, 0, len(anonymized))
	filledTotal := 0
	for _, rec := range anonymized {
		n, filled, err := schema.Normalize(rec)
		if err != nil {
			return s.errorPackage(ctx, p, audit.OpValidationFailed, err.Error())
		}
		filledTotal += filled
		normalized = append(normalized, n)
	}

	p.ExpiresAt = ExpiryFor(req.AccessLevel, now)
	p.Records = normalized
	p.Metadata = s.metadata(p, len(normalized), filledTotal)

	// The authorization above read history as of `now`. Re-check before the
	// irreversible step: a revocation or DSR recorded since then wins.
	revoked, err := s.validator.HasRevocationSince(ctx, req.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("packaging: freshness check: %w", err)
	}
	if revoked {
		return s.errorPackage(ctx, p, audit.OpDenied, "consent changed during packaging")
	}

	token, err := s.tokens.Issue(p.ID, p.ConsentID, p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	p.AccessToken = token

	recordCount := len(normalized)
	if s.cipher != nil {
		raw, err := json.Marshal(p.Records)
		if err != nil {
			return nil, fmt.Errorf("packaging: encoding content: %w", err)
		}
		sealed, err := s.cipher.Encrypt(raw)
		if err != nil {
			return nil, err
		}
		p.Ciphertext = sealed
		p.Records = nil
	}

	p.Status = StatusReady
	if err := s.pkgs.Save(ctx, p); err != nil {
		return nil, err
	}
	s.audit(ctx, p, audit.OpCreated, audit.StatusSuccess, "", recordCount)
	s.log.Info("package created",
		"package_id", p.ID,
		"user_id", p.UserID,
		"data_type", p.DataType,
		"anonymization_level", p.Anonymization,
		"record_count", recordCount,
		"encrypted", p.Encrypted())
	return p, nil
}

// Fetch serves one package to a capability token holder. Content is
// decrypted on the way out; the token is the entire authorization.
func (s *Service) Fetch(ctx context.Context, id, token string) (*Package, error) {
	p, err := s.pkgs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !p.ExpiresAt.IsZero() && !s.clock().UTC().Before(p.ExpiresAt) {
		s.audit(ctx, p, audit.OpExpired, audit.StatusDenied, "content expired", 0)
		return nil, fmt.Errorf("%w: package %s", ErrPackageExpired, id)
	}

	check := s.tokens.Validate(token, id)
	if !check.OK {
		s.audit(ctx, p, audit.OpValidationFailed, audit.StatusDenied, check.Reason, 0)
		return nil, &TokenError{Reason: check.Reason}
	}

	// Error packages never received a token, so a valid one cannot name them.
	if p.Status != StatusReady {
		s.audit(ctx, p, audit.OpDenied, audit.StatusDenied, "package has no content", 0)
		return nil, fmt.Errorf("%w: package %s", store.ErrNotFound, id)
	}

	if p.Encrypted() {
		if s.cipher == nil {
			return nil, ErrDecrypt
		}
		plaintext, err := s.cipher.Decrypt(p.Ciphertext)
		if err != nil {
			s.audit(ctx, p, audit.OpAccessed, audit.StatusError, "decrypt failed", 0)
			return nil, err
		}
		if err := json.Unmarshal(plaintext, &p.Records); err != nil {
			return nil, ErrDecrypt
		}
		p.Ciphertext = ""
	}

	s.audit(ctx, p, audit.OpAccessed, audit.StatusSuccess, "", len(p.Records))
	return p, nil
}

// ValidateToken checks a token against a package id. Failures are audited
// against the package when it exists.
func (s *Service) ValidateToken(ctx context.Context, token, packageID string) TokenCheck {
	check := s.tokens.Validate(token, packageID)
	if !check.OK {
		p := &Package{ID: packageID}
		if existing, err := s.pkgs.Get(ctx, packageID); err == nil {
			p = existing
		}
		s.audit(ctx, p, audit.OpValidationFailed, audit.StatusDenied, check.Reason, 0)
	}
	return check
}

// AuditTrail returns the audit records for one package.
func (s *Service) AuditTrail(ctx context.Context, packageID string) ([]*audit.Record, error) {
	if s.auditLog == nil {
		return nil, nil
	}
	return s.auditLog.Find(ctx, audit.Query{PackageID: packageID})
}

// errorPackage persists the refusal artifact and returns it with a nil
// error. Error packages carry no content and no token.
func (s *Service) errorPackage(ctx context.Context, p *Package, op, reason string) (*Package, error) {
	p.Status = StatusError
	p.Reason = reason
	p.Records = nil
	p.Ciphertext = ""
	p.AccessToken = ""
	if err := s.pkgs.Save(ctx, p); err != nil {
		s.log.Error("error package save failed", "package_id", p.ID, "error", err)
	}
	status := audit.StatusDenied
	if op == audit.OpValidationFailed {
		status = audit.StatusError
	}
	s.audit(ctx, p, op, status, reason, 0)
	s.log.Warn("package refused",
		"package_id", p.ID,
		"user_id", p.UserID,
		"operation", op,
		"reason", reason)
	return p, nil
}

// metadata assembles the package metadata block. The quality score starts
// at 1.0 and loses 0.1 per defaulted field, averaged over records.
func (s *Service) metadata(p *Package, count, filled int) map[string]any {
	quality := 1.0
	if count > 0 {
		quality = math.Max(0, 1-0.1*float64(filled)/float64(count))
		quality = math.Round(quality*100) / 100
	}
	return map[string]any{
		"record_count":   count,
		"schema_version": CurrentSchemaVersion,
		"quality_score":  quality,
		"buyer_id":       p.BuyerID,
		"trust_tier":     p.TrustTier,
		"usage_policy":   PolicyFor(p.AccessLevel, p.TrustTier),
	}
}

func (s *Service) audit(ctx context.Context, p *Package, op, status, errMsg string, recordCount int) {
	if s.auditLog == nil {
		return
	}
	rec := &audit.Record{
		Timestamp:          s.clock().UTC(),
		Operation:          op,
		PackageID:          p.ID,
		UserID:             p.UserID,
		ConsentID:          p.ConsentID,
		BuyerID:            p.BuyerID,
		DataType:           p.DataType,
		AccessLevel:        p.AccessLevel,
		AnonymizationLevel: p.Anonymization,
		RecordCount:        recordCount,
		Purpose:            p.Purpose,
		Status:             status,
		ErrorMessage:       errMsg,
	}
	if err := s.auditLog.Append(ctx, rec); err != nil {
		s.log.Error("audit append failed", "package_id", p.ID, "operation", op, "error", err)
	}
}
