package api

import (
	"net/http"
	"strings"

	"github.com/MacroAcon/Tavren-sub000/pkg/insight"
)

// quotaPrincipal picks the identity a quota window is keyed by: the user
// when known, otherwise the client IP, trusting the first X-Forwarded-For
// hop when the gateway sets one.
func quotaPrincipal(r *http.Request, userID string) string {
	if userID != "" {
		return userID
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return clientIP(r)
}

// handleInsight runs one privacy-preserving aggregate. Refusals by the
// consent or restriction gates are 403s carrying the gate's explanation;
// they are outcomes of a well-formed request, not validation errors.
func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	var req insight.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = UserID(r)
	}

	principal := quotaPrincipal(r, req.UserID)
	if !s.enforceQuota(w, r, quotaInsight, principal, s.policy.RateLimits.InsightQueries) {
		return
	}

	resp, err := s.deps.Insights.Process(r.Context(), req)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	s.telemetry.InsightRun(r.Context(), req.PrivacyMethod, resp.Status)
	if resp.Status != insight.StatusSuccess {
		var details map[string]any
		if resp.RestrictedUserCount > 0 {
			details = map[string]any{"restricted_user_count": resp.RestrictedUserCount}
		}
		WriteErrorDetails(w, http.StatusForbidden, CodeForbidden, resp.ErrorDetails, details)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
