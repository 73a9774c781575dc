package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MacroAcon/Tavren-sub000/pkg/agent"
	"github.com/MacroAcon/Tavren-sub000/pkg/config"
	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/dsr"
	"github.com/MacroAcon/Tavren-sub000/pkg/export"
	"github.com/MacroAcon/Tavren-sub000/pkg/insight"
	"github.com/MacroAcon/Tavren-sub000/pkg/observability"
	"github.com/MacroAcon/Tavren-sub000/pkg/packaging"
	"github.com/MacroAcon/Tavren-sub000/pkg/ratelimit"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
	"github.com/MacroAcon/Tavren-sub000/pkg/trust"
)

// Quota categories keyed into the windowed rate limiter.
const (
	quotaDSR     = "dsr_requests"
	quotaInsight = "insight_queries"
)

// maxBodyBytes caps request bodies; insight datasets fit comfortably.
const maxBodyBytes = 1 << 20

// OfferSource lists active offers for the marketplace endpoint.
type OfferSource interface {
	ListActive(ctx context.Context) ([]*store.Offer, error)
}

// Deps bundles the domain services the server fronts. Ledger, Validator,
// DSR, Packages, Insights, and Agents are required; the marketplace fields
// may be nil, which disables their routes with 503 rather than panics.
type Deps struct {
	Ledger      *consent.Ledger
	Validator   *consent.Validator
	DSR         *dsr.Engine
	Exporter    *export.Packager
	Packages    *packaging.Service
	Insights    *insight.Processor
	Agents      *agent.Handler
	Trust       *trust.Service
	Offers      *trust.OfferFilter
	OfferSource OfferSource
	Declines    trust.DeclineStore
	Limiter     ratelimit.Limiter
}

// Server is the HTTP surface over the consent core.
type Server struct {
	deps      Deps
	policy    *config.Policy
	adminKey  string
	surge     *SurgeLimiter
	idem      IdempotencyStorer
	archiver  *export.Archiver
	telemetry *observability.Provider
	ready     func(ctx context.Context) error
	clock     func() time.Time
	log       *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAdminKey sets the operator key checked on admin routes. Without it
// every admin route denies.
func WithAdminKey(key string) ServerOption {
	return func(s *Server) { s.adminKey = key }
}

// WithPolicy sets the rate-limit policy overlay.
func WithPolicy(p *config.Policy) ServerOption {
	return func(s *Server) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithSurgeLimit puts a per-IP token bucket in front of every route.
func WithSurgeLimit(rps, burst int) ServerOption {
	return func(s *Server) { s.surge = NewSurgeLimiter(rps, burst) }
}

// WithIdempotencyStore enables Idempotency-Key replay on mutating routes.
func WithIdempotencyStore(store IdempotencyStorer) ServerOption {
	return func(s *Server) { s.idem = store }
}

// WithArchiver copies export bundles to object storage after delivery.
func WithArchiver(a *export.Archiver) ServerOption {
	return func(s *Server) { s.archiver = a }
}

// WithTelemetry attaches the tracing and metrics provider.
func WithTelemetry(p *observability.Provider) ServerOption {
	return func(s *Server) {
		if p != nil {
			s.telemetry = p
		}
	}
}

// WithReadiness sets the dependency probe behind /readyz.
func WithReadiness(probe func(ctx context.Context) error) ServerOption {
	return func(s *Server) { s.ready = probe }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) ServerOption {
	return func(s *Server) { s.clock = clock }
}

// NewServer wires the HTTP surface over the domain services.
func NewServer(deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		deps:      deps,
		policy:    config.DefaultPolicy(),
		telemetry: observability.Disabled(),
		clock:     time.Now,
		log:       slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full middleware and route chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unmatched paths still answer with the error envelope.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "no such endpoint")
	})

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	mux.HandleFunc("POST /api/consent-ledger", s.handleRecordConsent)
	mux.HandleFunc("GET /api/consent-ledger/users/{user_id}", s.handleConsentHistory)
	mux.HandleFunc("GET /api/consent-ledger/verify", s.handleVerifyLedger)
	mux.HandleFunc("GET /api/consent-ledger/export/{user_id}", s.handleConsentExport)

	mux.HandleFunc("POST /api/dsr/restrict", s.handleDSRRestrict)
	mux.HandleFunc("POST /api/dsr/delete", s.handleDSRDelete)
	mux.HandleFunc("GET /api/dsr/export", s.handleDSRExport)

	mux.HandleFunc("POST /api/data-packages", s.handleCreatePackage)
	mux.HandleFunc("GET /api/data-packages/{id}", s.handleFetchPackage)
	mux.HandleFunc("POST /api/data-packages/validate-token", s.handleValidateToken)
	mux.HandleFunc("GET /api/data-packages/{id}/audit", s.handlePackageAudit)

	mux.HandleFunc("POST /api/insight", s.handleInsight)
	mux.HandleFunc("POST /api/agent/message", s.handleAgentMessage)

	mux.HandleFunc("GET /api/offers", s.handleListOffers)
	mux.HandleFunc("GET /api/buyers/{buyer_id}/trust", s.handleBuyerTrust)
	mux.HandleFunc("POST /api/buyers/{buyer_id}/declines", s.handleRecordDecline)

	var h http.Handler = mux
	if s.idem != nil {
		h = IdempotencyMiddleware(s.idem)(h)
	}
	if s.surge != nil {
		h = s.surge.Middleware(h)
	}
	return RequestID(h)
}

// Serve runs the server until ctx is canceled, then drains connections.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("http server draining")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.log.Warn("readiness probe failed", "error", err)
			WriteDependencyError(w, "dependency not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decodeJSON reads the request body into dst, writing the 400 itself on
// failure. Unknown fields are tolerated; oversized bodies are not.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteValidationError(w, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// enforceQuota admits the request against a windowed per-principal quota,
// stamping X-RateLimit-Remaining and X-RateLimit-Reset. On denial it writes
// the 429 itself and reports false. A limiter backend failure admits the
// request: quota enforcement must not take data rights down with it.
func (s *Server) enforceQuota(w http.ResponseWriter, r *http.Request, category, principal string, q config.WindowPolicy) bool {
	if s.deps.Limiter == nil || q.Limit <= 0 {
		return true
	}
	res, err := s.deps.Limiter.Allow(r.Context(), ratelimit.Key(category, principal), q.Limit, q.Window)
	if err != nil {
		s.log.Warn("quota check failed, admitting request", "category", category, "error", err)
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(res.TTL)))
	if !res.Allowed {
		s.telemetry.LimiterDenial(r.Context(), category)
		WriteRateLimited(w, ceilSeconds(res.TTL))
		return false
	}
	return true
}

func ceilSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// requireUser resolves the acting user, writing the 401 itself when the
// gateway sent none.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := UserID(r)
	if user == "" {
		WriteAuthError(w, "missing user identity")
		return "", false
	}
	return user, true
}

// requireAdmin gates operator routes, writing the 403 itself.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !isAdmin(r, s.adminKey) {
		WriteForbidden(w, "admin access required")
		return false
	}
	return true
}

// requireSelfOrAdmin admits the named user or an operator.
func (s *Server) requireSelfOrAdmin(w http.ResponseWriter, r *http.Request, userID string) bool {
	if UserID(r) == userID && userID != "" {
		return true
	}
	if isAdmin(r, s.adminKey) {
		return true
	}
	WriteForbidden(w, "not permitted for this user")
	return false
}
