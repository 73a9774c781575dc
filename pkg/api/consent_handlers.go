package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/export"
)

// recordConsentRequest is the POST /api/consent-ledger body.
type recordConsentRequest struct {
	UserID         string           `json:"user_id"`
	Action         string           `json:"action"`
	Scope          string           `json:"scope"`
	Purpose        string           `json:"purpose"`
	OfferID        string           `json:"offer_id"`
	InitiatedBy    string           `json:"initiated_by"`
	Reason         string           `json:"reason"`
	ReasonCategory string           `json:"reason_category"`
	Metadata       consent.Metadata `json:"metadata"`
}

func (s *Server) handleRecordConsent(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req recordConsentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// The subject defaults to the caller. Recording for someone else is an
	// operator action.
	subject := req.UserID
	if subject == "" {
		subject = actor
	}
	if subject != actor && !isAdmin(r, s.adminKey) {
		WriteForbidden(w, "cannot record consent for another user")
		return
	}

	initiator := consent.Initiator(req.InitiatedBy)
	if req.InitiatedBy == "" {
		initiator = consent.InitiatorUser
	}

	ev, err := s.deps.Ledger.Record(r.Context(), consent.Draft{
		UserID:         subject,
		Action:         consent.Action(req.Action),
		Scope:          req.Scope,
		Purpose:        req.Purpose,
		OfferID:        req.OfferID,
		InitiatedBy:    initiator,
		Reason:         req.Reason,
		ReasonCategory: req.ReasonCategory,
		Metadata:       req.Metadata,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	s.telemetry.LedgerAppend(r.Context(), string(ev.Action))
	writeJSON(w, http.StatusOK, ev)
}

type consentHistoryResponse struct {
	UserID string           `json:"user_id"`
	Events []*consent.Event `json:"events"`
	Count  int              `json:"count"`
}

func (s *Server) handleConsentHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if !s.requireSelfOrAdmin(w, r, userID) {
		return
	}

	events, err := s.deps.Ledger.History(r.Context(), userID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if events == nil {
		events = []*consent.Event{}
	}
	writeJSON(w, http.StatusOK, consentHistoryResponse{
		UserID: userID,
		Events: events,
		Count:  len(events),
	})
}

// handleVerifyLedger recomputes chain hashes for one user, or every user
// when user_id is absent. A broken chain is a finding, not a failure: the
// report comes back 200 with ok=false and the inconsistency list.
func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	report, err := s.deps.Ledger.Verify(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if !report.OK {
		s.log.Warn("ledger verification found inconsistencies",
			"events_checked", report.EventsChecked,
			"inconsistencies", len(report.Inconsistencies),
		)
	}
	writeJSON(w, http.StatusOK, report)
}

// handleConsentExport assembles a signed bundle without recording a DSR
// request event; operators pulling a bundle on a user's behalf go through
// here, users exercising their own right go through /api/dsr/export.
func (s *Server) handleConsentExport(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if !s.requireSelfOrAdmin(w, r, userID) {
		return
	}

	bundle, err := s.deps.Exporter.Export(r.Context(), userID, export.Options{
		IncludePETQueries: queryBool(r, "include_pet_queries", false),
		Sign:              queryBool(r, "sign", true),
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	s.archive(r.Context(), bundle)
	writeJSON(w, http.StatusOK, bundle)
}

// archive copies the bundle to object storage when an archiver is wired.
// Archival is best effort; the user already has the bundle in hand.
func (s *Server) archive(ctx context.Context, b *export.Bundle) {
	if s.archiver == nil {
		return
	}
	if _, err := s.archiver.Archive(ctx, b); err != nil {
		s.log.Warn("export archival failed", "export_id", b.ExportID, "error", err)
	}
}

// queryBool parses a boolean query parameter, falling back to def when the
// parameter is absent or unparseable.
func queryBool(r *http.Request, name string, def bool) bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
