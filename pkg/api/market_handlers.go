package api

import (
	"net/http"

	"github.com/MacroAcon/Tavren-sub000/pkg/store"
	"github.com/MacroAcon/Tavren-sub000/pkg/trust"
)

type offersResponse struct {
	Offers  []*store.Offer `json:"offers"`
	Count   int            `json:"count"`
	BuyerID string         `json:"buyer_id,omitempty"`
	Trust   *trust.Stats   `json:"buyer_trust,omitempty"`
}

// handleListOffers returns the active offer catalog. With a buyer identity,
// the catalog is filtered to what that buyer's trust level admits; without
// one it is the raw browsable catalog.
func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	if s.deps.OfferSource == nil {
		WriteDependencyError(w, "offer catalog not configured")
		return
	}

	offers, err := s.deps.OfferSource.ListActive(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	buyer := r.URL.Query().Get("buyer_id")
	if buyer == "" {
		buyer = BuyerID(r)
	}

	resp := offersResponse{Offers: offers, Count: len(offers), BuyerID: buyer}
	if buyer != "" && s.deps.Offers != nil {
		eligible, stats, err := s.deps.Offers.Eligible(r.Context(), buyer, offers)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		resp.Offers = eligible
		resp.Count = len(eligible)
		resp.Trust = stats
	}
	if resp.Offers == nil {
		resp.Offers = []*store.Offer{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBuyerTrust reports a buyer's derived trust profile. Buyers may read
// their own; operators may read any.
func (s *Server) handleBuyerTrust(w http.ResponseWriter, r *http.Request) {
	buyerID := r.PathValue("buyer_id")
	if BuyerID(r) != buyerID && !isAdmin(r, s.adminKey) {
		WriteForbidden(w, "not permitted for this buyer")
		return
	}
	if s.deps.Trust == nil {
		WriteDependencyError(w, "trust scoring not configured")
		return
	}

	stats, err := s.deps.Trust.Stats(r.Context(), buyerID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type declineRequest struct {
	OfferID        string `json:"offer_id"`
	Reason         string `json:"reason"`
	ReasonCategory string `json:"reason_category"`
}

// handleRecordDecline records a user turning down a buyer's offer. The
// decline feeds the buyer's trust score; the decliner is always the
// authenticated user.
func (s *Server) handleRecordDecline(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.deps.Declines == nil {
		WriteDependencyError(w, "decline recording not configured")
		return
	}

	var req declineRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	d := &trust.Decline{
		BuyerID:        r.PathValue("buyer_id"),
		OfferID:        req.OfferID,
		UserID:         actor,
		Reason:         req.Reason,
		ReasonCategory: req.ReasonCategory,
	}
	if err := s.deps.Declines.Record(r.Context(), d); err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
