package packaging

import (
	"context"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacroAcon/Tavren-sub000/pkg/audit"
	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
	"github.com/MacroAcon/Tavren-sub000/pkg/trust"
)

type pkgEnv struct {
	svc    *Service
	ledger *consent.Ledger
	source *StaticSource
	store  *MemoryStore
	audit  *audit.MemoryLog
	clock  *testClock
}

func testPackaging(t *testing.T, opts ...ServiceOption) *pkgEnv {
	t.Helper()
	env := &pkgEnv{
		source: NewStaticSource(),
		store:  NewMemoryStore(),
		audit:  audit.NewMemoryLog(),
		clock:  newTestClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)),
	}
	env.ledger = consent.NewLedger(consent.NewMemoryStore(), consent.WithClock(env.clock.Now))
	validator := consent.NewValidator(env.ledger, nil)

	base := []ServiceOption{
		WithSource(env.source),
		WithAuditLog(env.audit),
		WithClock(env.clock.Now),
	}
	env.svc = NewService(env.ledger, validator, env.store,
		NewAnonymizer("data-secret", WithRandom(mrand.New(mrand.NewSource(7)))),
		NewTokenIssuer("jwt-secret", WithTokenClock(env.clock.Now)),
		append(base, opts...)...)
	return env
}

func (e *pkgEnv) grant(t *testing.T, userID, scope, purpose string) *consent.Event {
	t.Helper()
	ev, err := e.ledger.Record(context.Background(), consent.Draft{
		UserID: userID, Action: consent.ActionOptIn, Scope: scope, Purpose: purpose,
	})
	require.NoError(t, err)
	return ev
}

func TestCreatePackageLowTrustShortTerm(t *testing.T) {
	env := testPackaging(t)
	ctx := context.Background()
	grant := env.grant(t, "u3", "location", "x")

	env.source.Put("u3", "location",
		Record{"user_id": "u3", "session_id": "sess-1", "latitude": 37.77493, "longitude": -122.41942, "timestamp": "2025-03-01T08:15:30Z"},
		Record{"user_id": "u3", "session_id": "sess-1", "latitude": 37.81001, "longitude": -122.39002, "timestamp": "2025-03-01T09:45:00Z"},
	)

	p, err := env.svc.Create(ctx, Request{
		UserID:      "u3",
		DataType:    "location",
		AccessLevel: AccessPreciseShortTerm,
		ConsentID:   grant.ID,
		Purpose:     "x",
		BuyerID:     "b1",
		TrustTier:   trust.TierLow,
	})
	require.NoError(t, err)
	require.Equal(t, StatusReady, p.Status)
	assert.Equal(t, LevelStrongLongitudinal, p.Anonymization)
	require.Len(t, p.Records, 2)

	for _, rec := range p.Records {
		assert.Equal(t, "2025-03-01", rec["timestamp"], "day precision")
	}
	assert.Equal(t, 37.8, p.Records[0]["latitude"])
	assert.Equal(t, 37.8, p.Records[1]["latitude"])
	assert.Equal(t, -122.4, p.Records[0]["longitude"])
	assert.Equal(t, p.Records[0]["session_id"], p.Records[1]["session_id"],
		"sessions stay linkable inside the package")
	assert.NotEqual(t, "sess-1", p.Records[0]["session_id"])

	assert.True(t, p.ExpiresAt.Equal(p.CreatedAt.Add(24*time.Hour)))
	require.NotEmpty(t, p.AccessToken)
	check := env.svc.ValidateToken(ctx, p.AccessToken, p.ID)
	assert.True(t, check.OK)

	assert.Equal(t, 2, p.Metadata["record_count"])
	assert.Equal(t, trust.TierLow, p.Metadata["trust_tier"])
	policy, ok := p.Metadata["usage_policy"].(UsagePolicy)
	require.True(t, ok)
	assert.Equal(t, []string{"analytics", "transient_personalization"}, policy.PermittedUses)
	assert.Equal(t, "weekly", policy.AuditCadence)

	created, err := env.audit.Find(ctx, audit.Query{PackageID: p.ID, Operation: audit.OpCreated})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, audit.StatusSuccess, created[0].Status)
	assert.Equal(t, 2, created[0].RecordCount)
}

func TestCreateDeniedWhenConsentRevoked(t *testing.T) {
	env := testPackaging(t)
	ctx := context.Background()
	grant := env.grant(t, "u1", "browsing", "analytics")
	env.clock.Advance(time.Minute)
	_, err := env.ledger.Record(ctx, consent.Draft{
		UserID: "u1", Action: consent.ActionOptOut, Scope: "browsing", Purpose: "analytics",
	})
	require.NoError(t, err)
	env.clock.Advance(time.Minute)

	p, err := env.svc.Create(ctx, Request{
		UserID: "u1", DataType: "browsing", AccessLevel: AccessAnonymousShortTerm,
		ConsentID: grant.ID, Purpose: "analytics",
	})
	require.NoError(t, err, "denial is an error package, not an error")
	assert.Equal(t, StatusError, p.Status)
	assert.Equal(t, consent.ReasonRevoked, p.Reason)
	assert.Empty(t, p.AccessToken)
	assert.Empty(t, p.Records)

	stored, err := env.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, stored.Status)

	denied, err := env.audit.Find(ctx, audit.Query{PackageID: p.ID, Operation: audit.OpDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, audit.StatusDenied, denied[0].Status)
}

func TestCreateDeniedForForeignConsentEvent(t *testing.T) {
	env := testPackaging(t)
	ctx := context.Background()
	grant := env.grant(t, "owner", "location", "x")

	p, err := env.svc.Create(ctx, Request{
		UserID: "intruder", DataType: "location", AccessLevel: AccessAnonymousShortTerm,
		ConsentID: grant.ID, Purpose: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusError, p.Status)
	assert.Contains(t, p.Reason, "does not grant")
}

func TestCreateDeniedForUnknownConsentEvent(t *testing.T) {
	env := testPackaging(t)

	p, err := env.svc.Create(context.Background(), Request{
		UserID: "u1", DataType: "location", AccessLevel: AccessAnonymousShortTerm,
		ConsentID: 999, Purpose: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusError, p.Status)
	assert.Equal(t, "consent event not found", p.Reason)
}

func TestCreateRejectsUnnormalizableRecords(t *testing.T) {
	env := testPackaging(t)
	ctx := context.Background()
	grant := env.grant(t, "u1", "app_usage", "analytics")

	env.source.Put("u1", "app_usage", Record{"timestamp": "2025-03-01T09:00:00Z"})

	p, err := env.svc.Create(ctx, Request{
		UserID: "u1", DataType: "app_usage", AccessLevel: AccessPrecisePersistent,
		ConsentID: grant.ID, Purpose: "analytics",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusError, p.Status)
	assert.Contains(t, p.Reason, "schema validation failed")

	failed, err := env.audit.Find(ctx, audit.Query{PackageID: p.ID, Operation: audit.OpValidationFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, audit.StatusError, failed[0].Status)
}

// raceChecker simulates a revocation landing between the authorization read
// and token issuance.
type raceChecker struct {
	*consent.Validator
}

func (raceChecker) HasRevocationSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	return true, nil
}

func TestCreateDeniedWhenConsentChangesMidFlight(t *testing.T) {
	env := testPackaging(t)
	ctx := context.Background()
	grant := env.grant(t, "u1", "location", "x")

	validator := consent.NewValidator(env.ledger, nil)
	svc := NewService(env.ledger, raceChecker{validator}, env.store,
		NewAnonymizer("data-secret"),
		NewTokenIssuer("jwt-secret", WithTokenClock(env.clock.Now)),
		WithSource(env.source), WithAuditLog(env.audit), WithClock(env.clock.Now))

	p, err := svc.Create(ctx, Request{
		UserID: "u1", DataType: "location", AccessLevel: AccessAnonymousShortTerm,
		ConsentID: grant.ID, Purpose: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusError, p.Status)
	assert.Equal(t, "consent changed during packaging", p.Reason)
	assert.Empty(t, p.AccessToken, "no token may be issued after a mid-flight revocation")
}

func TestCreateEncryptedContentRoundTrips(t *testing.T) {
	cipher, err := NewContentCipher("enc-secret")
	require.NoError(t, err)
	env := testPackaging(t, WithCipher(cipher))
	ctx := context.Background()
	grant := env.grant(t, "u1", "app_usage", "analytics")

	env.source.Put("u1", "app_usage",
		Record{"user_id": "u1", "app_id": "com.example.app", "timestamp": "2025-03-01T09:12:00Z", "duration": 42.0, "action": "open"},
	)

	p, err := env.svc.Create(ctx, Request{
		UserID: "u1", DataType: "app_usage", AccessLevel: AccessPrecisePersistent,
		ConsentID: grant.ID, Purpose: "analytics", TrustTier: trust.TierHigh,
	})
	require.NoError(t, err)
	require.Equal(t, StatusReady, p.Status)
	assert.True(t, p.Encrypted())
	assert.Empty(t, p.Records, "clear content must not leave the service when encryption is on")

	fetched, err := env.svc.Fetch(ctx, p.ID, p.AccessToken)
	require.NoError(t, err)
	require.Len(t, fetched.Records, 1)
	assert.Equal(t, "com.example.app", fetched.Records[0]["app_id"])
	assert.False(t, fetched.Encrypted())

	accessed, err := env.audit.Find(ctx, audit.Query{PackageID: p.ID, Operation: audit.OpAccessed})
	require.NoError(t, err)
	require.Len(t, accessed, 1)
	assert.Equal(t, audit.StatusSuccess, accessed[0].Status)
}

func TestFetchRejectsForeignToken(t *testing.T) {
	env := testPackaging(t)
	ctx := context.Background()
	grantA := env.grant(t, "u1", "location", "x")
	grantB := env.grant(t, "u1", "browsing", "x")
	env.source.Put("u1", "browsing", Record{"domain": "example.com", "timestamp": "2025-03-01T09:00:00Z"})

	a, err := env.svc.Create(ctx, Request{
		UserID: "u1", DataType: "location", AccessLevel: AccessAnonymousShortTerm,
		ConsentID: grantA.ID, Purpose: "x",
	})
	require.NoError(t, err)
	b, err := env.svc.Create(ctx, Request{
		UserID: "u1", DataType: "browsing", AccessLevel: AccessAnonymousShortTerm,
		ConsentID: grantB.ID, Purpose: "x",
	})
	require.NoError(t, err)

	_, err = env.svc.Fetch(ctx, a.ID, b.AccessToken)
	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, TokenReasonPackageMismatch, tokenErr.Reason)
}

func TestFetchAfterExpiry(t *testing.T) {
	env := testPackaging(t)
	ctx := context.Background()
	grant := env.grant(t, "u1", "location", "x")

	p, err := env.svc.Create(ctx, Request{
		UserID: "u1", DataType: "location", AccessLevel: AccessAnonymousShortTerm,
		ConsentID: grant.ID, Purpose: "x",
	})
	require.NoError(t, err)
	require.Equal(t, StatusReady, p.Status)

	env.clock.Advance(25 * time.Hour)
	_, err = env.svc.Fetch(ctx, p.ID, p.AccessToken)
	assert.ErrorIs(t, err, ErrPackageExpired)

	expired, err := env.audit.Find(ctx, audit.Query{PackageID: p.ID, Operation: audit.OpExpired})
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestFetchUnknownPackage(t *testing.T) {
	env := testPackaging(t)
	_, err := env.svc.Fetch(context.Background(), "no-such-package", "token")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestValidateTokenAuditsFailures(t *testing.T) {
	env := testPackaging(t)
	ctx := context.Background()
	grant := env.grant(t, "u1", "location", "x")

	p, err := env.svc.Create(ctx, Request{
		UserID: "u1", DataType: "location", AccessLevel: AccessAnonymousShortTerm,
		ConsentID: grant.ID, Purpose: "x",
	})
	require.NoError(t, err)

	check := env.svc.ValidateToken(ctx, "garbage", p.ID)
	assert.False(t, check.OK)
	assert.Equal(t, TokenReasonInvalidFormat, check.Reason)

	failed, err := env.audit.Find(ctx, audit.Query{PackageID: p.ID, Operation: audit.OpValidationFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestCreateBadRequests(t *testing.T) {
	env := testPackaging(t)
	ctx := context.Background()

	cases := map[string]Request{
		"missing user":       {DataType: "location", AccessLevel: AccessAnonymousShortTerm, ConsentID: 1, Purpose: "x"},
		"missing consent id": {UserID: "u1", DataType: "location", AccessLevel: AccessAnonymousShortTerm, Purpose: "x"},
		"missing purpose":    {UserID: "u1", DataType: "location", AccessLevel: AccessAnonymousShortTerm, ConsentID: 1},
		"bad access level":   {UserID: "u1", DataType: "location", AccessLevel: "forever", ConsentID: 1, Purpose: "x"},
		"unknown data type":  {UserID: "u1", DataType: "genetics", AccessLevel: AccessAnonymousShortTerm, ConsentID: 1, Purpose: "x"},
	}
	for name, req := range cases {
		_, err := env.svc.Create(ctx, req)
		assert.ErrorIs(t, err, ErrBadRequest, name)
	}
}
