package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	mrand "math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacroAcon/Tavren-sub000/pkg/agent"
	"github.com/MacroAcon/Tavren-sub000/pkg/audit"
	"github.com/MacroAcon/Tavren-sub000/pkg/config"
	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
	"github.com/MacroAcon/Tavren-sub000/pkg/dsr"
	"github.com/MacroAcon/Tavren-sub000/pkg/export"
	"github.com/MacroAcon/Tavren-sub000/pkg/insight"
	"github.com/MacroAcon/Tavren-sub000/pkg/packaging"
	"github.com/MacroAcon/Tavren-sub000/pkg/ratelimit"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
	"github.com/MacroAcon/Tavren-sub000/pkg/trust"
)

const testAdminKey = "test-admin-key"

// memOffers is an in-test offer catalog.
type memOffers struct {
	offers []*store.Offer
}

func (m *memOffers) ListActive(ctx context.Context) ([]*store.Offer, error) {
	return m.offers, nil
}

// apiEnv is the full service stack over memory stores behind one handler.
type apiEnv struct {
	handler  http.Handler
	clock    *apiClock
	ledger   *consent.Ledger
	engine   *dsr.Engine
	source   *packaging.StaticSource
	audit    *audit.MemoryLog
	offers   *memOffers
	declines *trust.MemoryDeclineStore
	limiter  *ratelimit.MemoryLimiter
}

// apiClock ticks one second per reading so ledger chains get distinct
// timestamps without touching the wall clock. Advance jumps it forward for
// expiry tests.
type apiClock struct {
	mu   sync.Mutex
	next time.Time
}

func newAPIClock() *apiClock {
	return &apiClock{next: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *apiClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next
	c.next = c.next.Add(time.Second)
	return t
}

func (c *apiClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.next = c.next.Add(d)
	c.mu.Unlock()
}

func newAPI(t *testing.T, opts ...ServerOption) *apiEnv {
	return newAPIStore(t, consent.NewMemoryStore(), opts...)
}

func newAPIStore(t *testing.T, st consent.Store, opts ...ServerOption) *apiEnv {
	t.Helper()
	clk := newAPIClock()
	clock := clk.Now

	ledger := consent.NewLedger(st, consent.WithClock(clock))
	signer, err := crypto.NewHMACSigner([]byte("export-key"))
	require.NoError(t, err)
	packager := export.NewPackager(ledger, signer, export.WithClock(clock))
	auditLog := audit.NewMemoryLog()
	engine := dsr.NewEngine(ledger, packager, dsr.WithAuditLog(auditLog), dsr.WithClock(clock))
	validator := consent.NewValidator(ledger, engine)

	source := packaging.NewStaticSource()
	pkgSvc := packaging.NewService(ledger, validator, packaging.NewMemoryStore(),
		packaging.NewAnonymizer("data-secret", packaging.WithRandom(mrand.New(mrand.NewSource(7)))),
		packaging.NewTokenIssuer("jwt-secret", packaging.WithTokenClock(clock)),
		packaging.WithSource(source),
		packaging.WithAuditLog(auditLog),
		packaging.WithClock(clock),
	)

	insights := insight.NewProcessor(
		insight.WithValidator(validator),
		insight.WithRestrictions(engine),
		insight.WithClock(clock),
	)
	agents := agent.NewHandler(ledger, validator, pkgSvc, agent.WithClock(clock))

	declines := trust.NewMemoryDeclineStore()
	trustSvc := trust.NewService(declines, config.DefaultPolicy(), 0.3, 0.7)
	filter, err := trust.NewOfferFilter(trustSvc, "")
	require.NoError(t, err)

	env := &apiEnv{
		clock:    clk,
		ledger:   ledger,
		engine:   engine,
		source:   source,
		audit:    auditLog,
		offers:   &memOffers{},
		declines: declines,
		limiter:  ratelimit.NewMemoryLimiter(),
	}

	srv := NewServer(Deps{
		Ledger:      ledger,
		Validator:   validator,
		DSR:         engine,
		Exporter:    packager,
		Packages:    pkgSvc,
		Insights:    insights,
		Agents:      agents,
		Trust:       trustSvc,
		Offers:      filter,
		OfferSource: env.offers,
		Declines:    declines,
		Limiter:     env.limiter,
	}, append([]ServerOption{WithAdminKey(testAdminKey), WithClock(clock)}, opts...)...)
	env.handler = srv.Handler()
	return env
}

// grant seeds an opt-in event directly through the ledger.
func (e *apiEnv) grant(t *testing.T, userID, scope, purpose string) *consent.Event {
	t.Helper()
	ev, err := e.ledger.Record(context.Background(), consent.Draft{
		UserID: userID, Action: consent.ActionOptIn, Scope: scope, Purpose: purpose,
	})
	require.NoError(t, err)
	return ev
}

type reqSpec struct {
	method  string
	path    string
	body    any
	user    string
	buyer   string
	admin   bool
	headers map[string]string
}

func (e *apiEnv) do(t *testing.T, spec reqSpec) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := spec.body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(spec.method, spec.path, rd)
	req.RemoteAddr = "203.0.113.9:4455"
	if spec.user != "" {
		req.Header.Set(HeaderUser, spec.user)
	}
	if spec.buyer != "" {
		req.Header.Set(HeaderBuyer, spec.buyer)
	}
	if spec.admin {
		req.Header.Set(HeaderAdminKey, testAdminKey)
	}
	for k, v := range spec.headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// wantEnvelope asserts the uniform error shape and returns it.
func wantEnvelope(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) Envelope {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, code, env.ErrorCode)
	assert.Equal(t, status, env.StatusCode)
	assert.NotEmpty(t, env.Message)
	return env
}

func TestHealthz(t *testing.T) {
	env := newAPI(t)
	rec := env.do(t, reqSpec{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeAs[map[string]string](t, rec)["status"])
}

func TestReadyzReportsDependencyFailure(t *testing.T) {
	env := newAPI(t, WithReadiness(func(ctx context.Context) error {
		return errors.New("db unreachable")
	}))
	rec := env.do(t, reqSpec{method: http.MethodGet, path: "/readyz"})
	failure := wantEnvelope(t, rec, http.StatusServiceUnavailable, CodeDependency)
	assert.NotContains(t, failure.Message, "unreachable", "internal detail must not leak")

	ok := newAPI(t)
	rec = ok.do(t, reqSpec{method: http.MethodGet, path: "/readyz"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownPathReturnsEnvelope(t *testing.T) {
	env := newAPI(t)
	rec := env.do(t, reqSpec{method: http.MethodGet, path: "/api/nope"})
	wantEnvelope(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestRequestIDEchoedAndMinted(t *testing.T) {
	env := newAPI(t)

	rec := env.do(t, reqSpec{
		method:  http.MethodGet,
		path:    "/healthz",
		headers: map[string]string{HeaderRequestID: "req-42"},
	})
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))

	rec = env.do(t, reqSpec{method: http.MethodGet, path: "/healthz"})
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID), "missing request id must be minted")
}
