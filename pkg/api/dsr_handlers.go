package api

import (
	"net/http"
	"strconv"

	"github.com/MacroAcon/Tavren-sub000/pkg/dsr"
	"github.com/MacroAcon/Tavren-sub000/pkg/ratelimit"
)

// dsrSubject resolves who a DSR operation acts on. The body may name
// another user only when the caller holds the admin key.
func (s *Server) dsrSubject(w http.ResponseWriter, r *http.Request, bodyUser string) (string, bool) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return "", false
	}
	if bodyUser == "" || bodyUser == actor {
		return actor, true
	}
	if !isAdmin(r, s.adminKey) {
		WriteForbidden(w, "cannot act on another user's data")
		return "", false
	}
	return bodyUser, true
}

type restrictRequest struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
	Reason string `json:"reason"`
}

func (s *Server) handleDSRRestrict(w http.ResponseWriter, r *http.Request) {
	var req restrictRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	subject, ok := s.dsrSubject(w, r, req.UserID)
	if !ok {
		return
	}

	report, err := s.deps.DSR.Restrict(r.Context(), subject, req.Scope, req.Reason)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type deleteRequest struct {
	UserID        string `json:"user_id"`
	DeleteProfile bool   `json:"delete_profile"`
	DeleteConsent bool   `json:"delete_consent"`
}

func (s *Server) handleDSRDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	subject, ok := s.dsrSubject(w, r, req.UserID)
	if !ok {
		return
	}

	report, err := s.deps.DSR.Delete(r.Context(), subject, dsr.DeleteOptions{
		DeleteProfile: req.DeleteProfile,
		DeleteConsent: req.DeleteConsent,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleDSRExport serves the self-service export. The 24h window is checked
// up front but consumed only after the bundle is assembled, so a failed
// export does not lock the user out of their data for a day. Admins bypass
// the quota entirely.
func (s *Server) handleDSRExport(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	q := s.policy.RateLimits.DSRRequests
	gated := !isAdmin(r, s.adminKey) && s.deps.Limiter != nil && q.Limit > 0
	key := ratelimit.Key(quotaDSR, user)

	if gated {
		res, err := s.deps.Limiter.Peek(r.Context(), key, q.Limit)
		switch {
		case err != nil:
			s.log.Warn("quota check failed, admitting request", "category", quotaDSR, "error", err)
			gated = false
		case !res.Allowed:
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(res.TTL)))
			s.telemetry.LimiterDenial(r.Context(), quotaDSR)
			WriteRateLimited(w, ceilSeconds(res.TTL))
			return
		}
	}

	bundle, err := s.deps.DSR.Export(r.Context(), user, dsr.ExportOptions{
		IncludePETQueries: queryBool(r, "include_pet_queries", false),
		Sign:              queryBool(r, "sign", true),
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	if gated {
		if err := s.deps.Limiter.Touch(r.Context(), key, q.Window); err != nil {
			s.log.Warn("quota touch failed", "category", quotaDSR, "error", err)
		}
		if res, err := s.deps.Limiter.Peek(r.Context(), key, q.Limit); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(res.TTL)))
		}
	}

	s.archive(r.Context(), bundle)
	writeJSON(w, http.StatusOK, bundle)
}
