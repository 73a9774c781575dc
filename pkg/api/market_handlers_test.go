package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacroAcon/Tavren-sub000/pkg/store"
	"github.com/MacroAcon/Tavren-sub000/pkg/trust"
)

func seedOffers(env *apiEnv) {
	env.offers.offers = []*store.Offer{
		{OfferID: "o-low", BuyerID: "acme", Title: "Step counts", DataType: "app_usage", AccessLevel: "anonymous_short_term", Sensitivity: store.SensitivityLow, Active: true},
		{OfferID: "o-med", BuyerID: "acme", Title: "Shopping trips", DataType: "location", AccessLevel: "anonymous_persistent", Sensitivity: store.SensitivityMedium, Active: true},
		{OfferID: "o-high", BuyerID: "acme", Title: "Precise trails", DataType: "location", AccessLevel: "precise_persistent", Sensitivity: store.SensitivityHigh, Active: true},
	}
}

func offerIDs(offers []*store.Offer) []string {
	out := make([]string, 0, len(offers))
	for _, o := range offers {
		out = append(out, o.OfferID)
	}
	return out
}

func TestListOffersUnfiltered(t *testing.T) {
	env := newAPI(t)
	seedOffers(env)

	rec := env.do(t, reqSpec{method: http.MethodGet, path: "/api/offers"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeAs[offersResponse](t, rec)
	assert.Equal(t, 3, resp.Count)
	assert.Nil(t, resp.Trust, "no buyer, no trust profile")
}

func TestListOffersFilteredByBuyerTrust(t *testing.T) {
	env := newAPI(t)
	seedOffers(env)

	rec := env.do(t, reqSpec{method: http.MethodGet, path: "/api/offers", buyer: "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeAs[offersResponse](t, rec)
	assert.Equal(t, 3, resp.Count, "a clean buyer sees the full catalog")
	require.NotNil(t, resp.Trust)
	assert.Equal(t, trust.AccessFull, resp.Trust.AccessLevel)

	for i := 0; i < 3; i++ {
		rec := env.do(t, reqSpec{
			method: http.MethodPost,
			path:   "/api/buyers/acme/declines",
			user:   "u1",
			body:   map[string]any{"offer_id": "o-high", "reason_category": trust.ReasonPrivacy},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/offers?buyer_id=acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeAs[offersResponse](t, rec)
	assert.ElementsMatch(t, []string{"o-low", "o-med"}, offerIDs(resp.Offers),
		"privacy declines cost the high-sensitivity tier")
	assert.Equal(t, trust.AccessLimited, resp.Trust.AccessLevel)
	assert.InDelta(t, 0.55, resp.Trust.TrustScore, 1e-9)
}

func TestBuyerTrustVisibility(t *testing.T) {
	env := newAPI(t)

	rec := env.do(t, reqSpec{method: http.MethodGet, path: "/api/buyers/acme/trust", buyer: "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeAs[trust.Stats](t, rec)
	assert.Equal(t, "acme", stats.BuyerID)
	assert.Equal(t, 1.0, stats.TrustScore)

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/buyers/acme/trust", buyer: "rival"})
	wantEnvelope(t, rec, http.StatusForbidden, CodeForbidden)

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/buyers/acme/trust", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecordDecline(t *testing.T) {
	env := newAPI(t)

	rec := env.do(t, reqSpec{
		method: http.MethodPost,
		path:   "/api/buyers/acme/declines",
		user:   "u1",
		body:   map[string]any{"offer_id": "o-med", "reason": "too invasive", "reason_category": trust.ReasonPrivacy},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d := decodeAs[trust.Decline](t, rec)
	assert.Equal(t, "acme", d.BuyerID)
	assert.Equal(t, "u1", d.UserID, "the decliner is the authenticated user")
	assert.NotZero(t, d.ID)

	rec = env.do(t, reqSpec{
		method: http.MethodPost,
		path:   "/api/buyers/acme/declines",
		body:   map[string]any{"offer_id": "o-med"},
	})
	wantEnvelope(t, rec, http.StatusUnauthorized, CodeAuth)

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/buyers/acme/trust", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeAs[trust.Stats](t, rec).DeclineCount)
}
