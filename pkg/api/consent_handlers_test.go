package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/export"
)

func TestRecordConsentAsSelf(t *testing.T) {
	env := newAPI(t)

	rec := env.do(t, reqSpec{
		method: http.MethodPost,
		path:   "/api/consent-ledger",
		user:   "u1",
		body: map[string]any{
			"action":   "opt_in",
			"scope":    "location",
			"purpose":  "insight_generation",
			"offer_id": "offer-7",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ev := decodeAs[consent.Event](t, rec)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, consent.ActionOptIn, ev.Action)
	assert.Equal(t, consent.InitiatorUser, ev.InitiatedBy)
	assert.Equal(t, consent.GenesisHash, ev.PrevHash)
	assert.NotEmpty(t, ev.Hash)
}

func TestRecordConsentForAnotherUser(t *testing.T) {
	env := newAPI(t)
	body := map[string]any{
		"user_id": "u2",
		"action":  "opt_out",
		"scope":   "all",
		"purpose": "all",
	}

	rec := env.do(t, reqSpec{method: http.MethodPost, path: "/api/consent-ledger", user: "u1", body: body})
	wantEnvelope(t, rec, http.StatusForbidden, CodeForbidden)

	rec = env.do(t, reqSpec{method: http.MethodPost, path: "/api/consent-ledger", user: "u1", admin: true, body: body})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "u2", decodeAs[consent.Event](t, rec).UserID)
}

func TestRecordConsentRejectsBadInput(t *testing.T) {
	env := newAPI(t)

	rec := env.do(t, reqSpec{
		method: http.MethodPost,
		path:   "/api/consent-ledger",
		user:   "u1",
		body:   map[string]any{"action": "sideways"},
	})
	e := wantEnvelope(t, rec, http.StatusBadRequest, CodeValidation)
	assert.Contains(t, e.Message, "action")

	rec = env.do(t, reqSpec{
		method: http.MethodPost,
		path:   "/api/consent-ledger",
		body:   map[string]any{"action": "opt_in"},
	})
	wantEnvelope(t, rec, http.StatusUnauthorized, CodeAuth)

	rec = env.do(t, reqSpec{
		method: http.MethodPost,
		path:   "/api/consent-ledger",
		user:   "u1",
		body:   []byte(`{"action":`),
	})
	wantEnvelope(t, rec, http.StatusBadRequest, CodeValidation)
}

func TestConsentHistoryVisibility(t *testing.T) {
	env := newAPI(t)
	env.grant(t, "u1", "location", "insight_generation")
	env.grant(t, "u1", "app_usage", "research")

	rec := env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/users/u1", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decodeAs[consentHistoryResponse](t, rec)
	assert.Equal(t, 2, hist.Count)
	assert.Len(t, hist.Events, 2)

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/users/u1", user: "u2"})
	wantEnvelope(t, rec, http.StatusForbidden, CodeForbidden)

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/users/u1", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/users/ghost", user: "ghost"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events":[]`, "empty history must be a list, not null")
}

func TestVerifyLedgerIsAdminOnly(t *testing.T) {
	env := newAPI(t)
	env.grant(t, "u1", "location", "insight_generation")
	env.grant(t, "u2", "app_usage", "research")

	rec := env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/verify", user: "u1"})
	wantEnvelope(t, rec, http.StatusForbidden, CodeForbidden)

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/verify", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeAs[consent.VerifyReport](t, rec)
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.EventsChecked)

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/verify?user_id=u1", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeAs[consent.VerifyReport](t, rec).EventsChecked)
}

func TestConsentExportBundle(t *testing.T) {
	env := newAPI(t)
	env.grant(t, "u1", "location", "insight_generation")

	rec := env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/export/u1", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bundle := decodeAs[export.Bundle](t, rec)
	assert.Equal(t, "u1", bundle.UserID)
	assert.Len(t, bundle.ConsentEvents, 1)
	assert.NotEmpty(t, bundle.ExportHash)
	assert.NotEmpty(t, bundle.Signature, "exports are signed by default")

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/export/u1?sign=false", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeAs[export.Bundle](t, rec).Signature)

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/export/u1", user: "u2"})
	wantEnvelope(t, rec, http.StatusForbidden, CodeForbidden)

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/export/u1", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestConsentExportDoesNotRecordDSREvent(t *testing.T) {
	env := newAPI(t)
	env.grant(t, "u1", "location", "insight_generation")

	rec := env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/export/u1", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)

	hist := env.do(t, reqSpec{method: http.MethodGet, path: "/api/consent-ledger/users/u1", user: "u1"})
	assert.Equal(t, 1, decodeAs[consentHistoryResponse](t, hist).Count,
		"operator export must not grow the user's chain")
}
