package dsr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacroAcon/Tavren-sub000/pkg/audit"
	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
	"github.com/MacroAcon/Tavren-sub000/pkg/export"
)

func testClock() func() time.Time {
	next := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		t := next
		next = next.Add(time.Second)
		return t
	}
}

func testLedger(t *testing.T) *consent.Ledger {
	t.Helper()
	return consent.NewLedger(consent.NewMemoryStore(), consent.WithClock(testClock()))
}

func testEngine(t *testing.T, ledger *consent.Ledger, opts ...Option) (*Engine, *audit.MemoryLog) {
	t.Helper()
	signer, err := crypto.NewHMACSigner([]byte("export-key"))
	require.NoError(t, err)
	packager := export.NewPackager(ledger, signer)
	log := audit.NewMemoryLog()
	opts = append([]Option{WithAuditLog(log), WithClock(testClock())}, opts...)
	return NewEngine(ledger, packager, opts...), log
}

func TestRestrictEmitsBothSentinels(t *testing.T) {
	ledger := testLedger(t)
	engine, auditLog := testEngine(t, ledger)
	ctx := context.Background()

	report, err := engine.Restrict(ctx, "u2", "all", "testing")
	require.NoError(t, err)
	require.Len(t, report.EventIDs, 2)

	events, err := ledger.History(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, events, 2)

	request, guard := events[0], events[1]
	assert.Equal(t, consent.ActionDSRRequest, request.Action)
	assert.Equal(t, consent.DSRTypeProcessingRestriction, request.Metadata[consent.MetaDSRType])
	assert.Equal(t, consent.ActionOptOut, guard.Action)
	assert.Equal(t, consent.OfferSystemRestriction, guard.OfferID)
	assert.Equal(t, consent.ScopeAll, guard.Scope)

	recs, err := auditLog.Find(ctx, audit.Query{Operation: audit.OpDSRRestrict})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRestrictOverridesOptIn(t *testing.T) {
	ledger := testLedger(t)
	engine, _ := testEngine(t, ledger)
	ctx := context.Background()

	_, err := ledger.Record(ctx, consent.Draft{
		UserID: "u2", Action: consent.ActionOptIn, Scope: "all", Purpose: "all",
	})
	require.NoError(t, err)
	_, err = engine.Restrict(ctx, "u2", "all", "testing")
	require.NoError(t, err)

	validator := consent.NewValidator(ledger, engine)
	d, err := validator.IsAllowed(ctx, "u2", "location", "insight_generation")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Data Subject Request")
	require.NotNil(t, d.DSRDetails)
	assert.Contains(t, []string{"dsr_request", "system_restriction"}, d.DSRDetails.RestrictionType)
}

func TestCheckRestrictionsAcceptsEitherSentinelAlone(t *testing.T) {
	ctx := context.Background()

	t.Run("dsr_request only", func(t *testing.T) {
		ledger := testLedger(t)
		engine, _ := testEngine(t, ledger)
		_, err := ledger.Record(ctx, consent.Draft{
			UserID: "u1", Action: consent.ActionDSRRequest, InitiatedBy: consent.InitiatorUserDSR,
			Metadata: consent.Metadata{consent.MetaDSRType: consent.DSRTypeProcessingRestriction},
		})
		require.NoError(t, err)

		r, err := engine.CheckRestrictions(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.True(t, r.Restricted)
		assert.Equal(t, "dsr_request", r.RestrictionType)
	})

	t.Run("system_restriction opt_out only", func(t *testing.T) {
		ledger := testLedger(t)
		engine, _ := testEngine(t, ledger)
		_, err := ledger.Record(ctx, consent.Draft{
			UserID: "u1", Action: consent.ActionOptOut, InitiatedBy: consent.InitiatorUserDSR,
			OfferID: consent.OfferSystemRestriction, Scope: "all", Purpose: "all",
		})
		require.NoError(t, err)

		r, err := engine.CheckRestrictions(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, "system_restriction", r.RestrictionType)
	})

	t.Run("plain opt_out does not restrict", func(t *testing.T) {
		ledger := testLedger(t)
		engine, _ := testEngine(t, ledger)
		_, err := ledger.Record(ctx, consent.Draft{
			UserID: "u1", Action: consent.ActionOptOut, Scope: "location", Purpose: "all",
		})
		require.NoError(t, err)

		r, err := engine.CheckRestrictions(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, r)
	})
}

func TestExportRecordsRequestInsideBundle(t *testing.T) {
	ledger := testLedger(t)
	engine, auditLog := testEngine(t, ledger)
	ctx := context.Background()

	_, err := ledger.Record(ctx, consent.Draft{
		UserID: "u1", Action: consent.ActionOptIn, Scope: "location", Purpose: "analytics",
	})
	require.NoError(t, err)

	bundle, err := engine.Export(ctx, "u1", ExportOptions{Sign: true})
	require.NoError(t, err)

	require.Len(t, bundle.ConsentEvents, 2, "bundle includes the export request event")
	last := bundle.ConsentEvents[1]
	assert.Equal(t, consent.ActionDSRRequest, last.Action)
	assert.Equal(t, TypeExport, last.Metadata[consent.MetaDSRType])
	assert.Len(t, bundle.DSRActions, 1)

	recs, err := auditLog.Find(ctx, audit.Query{Operation: audit.OpDSRExport})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.StatusSuccess, recs[0].Status)
}

type stubProfiles struct {
	existed bool
	err     error
}

func (s stubProfiles) Delete(ctx context.Context, userID string) (bool, error) {
	return s.existed, s.err
}

type stubRewards struct {
	n   int64
	err error
}

func (s stubRewards) DeleteUserRewards(ctx context.Context, userID string) (int64, error) {
	return s.n, s.err
}

type stubPET struct {
	n   int64
	err error
}

func (s stubPET) DeleteUser(ctx context.Context, userID string) (int64, error) {
	return s.n, s.err
}

func TestDeletePreservesConsentByDefault(t *testing.T) {
	ledger := testLedger(t)
	engine, _ := testEngine(t, ledger,
		WithProfiles(stubProfiles{existed: true}),
		WithRewards(stubRewards{n: 4}),
		WithPETLog(stubPET{n: 2}),
	)
	ctx := context.Background()

	_, err := ledger.Record(ctx, consent.Draft{
		UserID: "u1", Action: consent.ActionOptIn, Scope: "all", Purpose: "all",
	})
	require.NoError(t, err)

	report, err := engine.Delete(ctx, "u1", DeleteOptions{DeleteProfile: true})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{CategoryProfile, CategoryRewards, CategoryPETQueries}, report.Deleted)
	assert.Contains(t, report.Preserved, CategoryConsentHistory)
	assert.Contains(t, report.Preserved, CategoryPayoutRecords)
	assert.Equal(t, int64(4), report.Counts[CategoryRewards])

	events, err := ledger.History(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, events, 2, "opt_in plus the deletion request survive")
}

func TestDeleteConsentWhenExplicitlyRequested(t *testing.T) {
	ledger := testLedger(t)
	engine, _ := testEngine(t, ledger, WithRewards(stubRewards{}))
	ctx := context.Background()

	_, err := ledger.Record(ctx, consent.Draft{
		UserID: "u1", Action: consent.ActionOptIn, Scope: "all", Purpose: "all",
	})
	require.NoError(t, err)

	report, err := engine.Delete(ctx, "u1", DeleteOptions{DeleteConsent: true})
	require.NoError(t, err)

	assert.Contains(t, report.Deleted, CategoryConsentHistory)
	assert.NotContains(t, report.Preserved, CategoryConsentHistory)
	assert.Equal(t, int64(2), report.Counts[CategoryConsentHistory])

	events, err := ledger.History(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDeleteSurfacesCategoryFailure(t *testing.T) {
	ledger := testLedger(t)
	engine, auditLog := testEngine(t, ledger,
		WithProfiles(stubProfiles{err: errors.New("profile store down")}),
	)

	_, err := engine.Delete(context.Background(), "u1", DeleteOptions{DeleteProfile: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), CategoryProfile)

	recs, ferr := auditLog.Find(context.Background(), audit.Query{Operation: audit.OpDSRDelete})
	require.NoError(t, ferr)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.StatusError, recs[0].Status)
}
