package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

type stubProfiles struct {
	profile *store.Profile
	err     error
}

func (s stubProfiles) Get(ctx context.Context, userID string) (*store.Profile, error) {
	return s.profile, s.err
}

type stubPET struct {
	queries []*store.PETQuery
	err     error
}

func (s stubPET) ByUser(ctx context.Context, userID string) ([]*store.PETQuery, error) {
	return s.queries, s.err
}

func seededHistory(t *testing.T) *consent.Ledger {
	t.Helper()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	next := start
	ledger := consent.NewLedger(consent.NewMemoryStore(), consent.WithClock(func() time.Time {
		t := next
		next = next.Add(time.Second)
		return t
	}))
	ctx := context.Background()
	drafts := []consent.Draft{
		{UserID: "u1", Action: consent.ActionOptIn, Scope: "location", Purpose: "analytics"},
		{UserID: "u1", Action: consent.ActionOptIn, Scope: "browsing", Purpose: "analytics"},
		{UserID: "u1", Action: consent.ActionOptOut, Scope: "browsing", Purpose: "all"},
		{UserID: "u1", Action: consent.ActionDSRRequest, InitiatedBy: consent.InitiatorUserDSR,
			OfferID:  consent.OfferDSRAudit,
			Metadata: consent.Metadata{consent.MetaDSRType: "export"}},
	}
	for _, d := range drafts {
		if _, err := ledger.Record(ctx, d); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
	return ledger
}

func testPackager(t *testing.T, opts ...Option) *Packager {
	t.Helper()
	signer, err := crypto.NewHMACSigner([]byte("export-hmac-key"))
	require.NoError(t, err)
	base := append([]Option{WithClock(func() time.Time {
		return time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	})}, opts...)
	return NewPackager(seededHistory(t), signer, base...)
}

func TestExportSignedBundleVerifies(t *testing.T) {
	p := testPackager(t, WithProfiles(stubProfiles{profile: &store.Profile{
		UserID: "u1", DisplayName: "Ada", Email: "ada@example.com",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}}))

	b, err := p.Export(context.Background(), "u1", Options{Sign: true})
	require.NoError(t, err)

	assert.NotEmpty(t, b.ExportID)
	assert.Equal(t, Version, b.ExportVersion)
	assert.Len(t, b.ConsentEvents, 4)
	assert.Len(t, b.DSRActions, 1)
	assert.NotEmpty(t, b.ExportHash)
	assert.NotEmpty(t, b.Signature)
	assert.True(t, p.Verify(b))
}

func TestExportSummaryCounts(t *testing.T) {
	p := testPackager(t)
	b, err := p.Export(context.Background(), "u1", Options{})
	require.NoError(t, err)

	s := b.ConsentSummary
	assert.Equal(t, 2, s.GrantedCount)
	assert.Equal(t, 1, s.WithdrawnCount)
	assert.Equal(t, 1, s.DSRCount)
	assert.Equal(t, map[string][]string{"location": {"analytics"}}, s.ActiveScopes)
	assert.Equal(t, "2025-03-01T10:00:00Z", s.FirstEventAt)
	assert.Equal(t, "2025-03-01T10:00:03Z", s.LastEventAt)
}

func TestVerifyFailsOnAnyMutation(t *testing.T) {
	p := testPackager(t)

	mutations := map[string]func(*Bundle){
		"user_id":   func(b *Bundle) { b.UserID = "u2" },
		"timestamp": func(b *Bundle) { b.ExportTimestamp = "2025-03-03T00:00:00Z" },
		"event":     func(b *Bundle) { b.ConsentEvents[0].Scope = "health" },
		"summary":   func(b *Bundle) { b.ConsentSummary.GrantedCount = 99 },
		"hash":      func(b *Bundle) { b.ExportHash = "deadbeef" },
		"signature": func(b *Bundle) { b.Signature = "deadbeef" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			fresh, err := p.Export(context.Background(), "u1", Options{Sign: true})
			require.NoError(t, err)
			require.True(t, p.Verify(fresh), "bundle must verify before mutation")
			mutate(fresh)
			assert.False(t, p.Verify(fresh), "mutated bundle must not verify")
		})
	}
}

func TestExportContinuesWithoutPETLog(t *testing.T) {
	p := testPackager(t, WithPETLog(stubPET{err: errors.New("pet store down")}))
	b, err := p.Export(context.Background(), "u1", Options{IncludePETQueries: true, Sign: true})
	require.NoError(t, err)

	assert.Empty(t, b.PETQueries)
	assert.Contains(t, b.Annotations, "pet query log unavailable")
	assert.True(t, p.Verify(b), "annotated bundle still seals and verifies")
}

func TestExportIncludesPETQueries(t *testing.T) {
	queries := []*store.PETQuery{{
		ID: 1, UserID: "u1", QueryType: "average_store_visits",
		PrivacyMethod: "differential_privacy", Status: "success",
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	p := testPackager(t, WithPETLog(stubPET{queries: queries}))

	b, err := p.Export(context.Background(), "u1", Options{IncludePETQueries: true})
	require.NoError(t, err)
	require.Len(t, b.PETQueries, 1)
	assert.Equal(t, "average_store_visits", b.PETQueries[0].QueryType)
}

func TestExportAnnotatesMissingProfile(t *testing.T) {
	p := testPackager(t, WithProfiles(stubProfiles{err: store.ErrNotFound}))
	b, err := p.Export(context.Background(), "u1", Options{})
	require.NoError(t, err)
	assert.Equal(t, "u1", b.UserDetails.UserID)
	assert.Empty(t, b.UserDetails.Email)
	assert.Contains(t, b.Annotations, "profile data unavailable")
}

func TestUnsignedBundleVerifiesOnHashAlone(t *testing.T) {
	p := testPackager(t)
	b, err := p.Export(context.Background(), "u1", Options{})
	require.NoError(t, err)
	assert.Empty(t, b.Signature)
	assert.True(t, p.Verify(b))
}
