package api

import (
	"net/http"

	"github.com/MacroAcon/Tavren-sub000/pkg/audit"
	"github.com/MacroAcon/Tavren-sub000/pkg/packaging"
)

// handleCreatePackage mints a data package. Consent denials come back as a
// 200 with an error-status artifact: the request was handled and the
// refusal is itself addressable. Only malformed requests and infrastructure
// failures use the error envelope.
func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var req packaging.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	// The gateway's buyer identity wins over whatever the body claims.
	if buyer := BuyerID(r); buyer != "" {
		req.BuyerID = buyer
	}
	if req.TrustTier == "" && req.BuyerID != "" && s.deps.Trust != nil {
		tier, err := s.deps.Trust.TierFor(r.Context(), req.BuyerID)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		req.TrustTier = tier
	}

	p, err := s.deps.Packages.Create(r.Context(), req)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	if p.Status == packaging.StatusReady {
		s.telemetry.PackageIssued(r.Context(), p.TrustTier)
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleFetchPackage(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		WriteAuthError(w, "access_token query parameter is required")
		return
	}

	p, err := s.deps.Packages.Fetch(r.Context(), r.PathValue("id"), token)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type validateTokenRequest struct {
	Token     string `json:"token"`
	PackageID string `json:"package_id"`
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req validateTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" || req.PackageID == "" {
		WriteValidationError(w, "token and package_id are required")
		return
	}
	// Invalid tokens are a validation outcome here, not an auth failure:
	// the caller is asking about a token, not presenting one.
	writeJSON(w, http.StatusOK, s.deps.Packages.ValidateToken(r.Context(), req.Token, req.PackageID))
}

type packageAuditResponse struct {
	PackageID string          `json:"package_id"`
	Records   []*audit.Record `json:"records"`
	Count     int             `json:"count"`
}

func (s *Server) handlePackageAudit(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")

	records, err := s.deps.Packages.AuditTrail(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}
	writeJSON(w, http.StatusOK, packageAuditResponse{PackageID: id, Records: records, Count: len(records)})
}
