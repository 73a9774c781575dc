package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Identity headers set by the upstream gateway after session auth.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderUser      = "X-Tavren-User"
	HeaderBuyer     = "X-Tavren-Buyer"
	HeaderAdminKey  = "X-Admin-Key"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID tags every request with an ID, minting one when the gateway
// did not send one. The ID is echoed on the response for correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request ID, or "" when untagged.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// UserID returns the authenticated user from the gateway header.
func UserID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderUser))
}

// BuyerID returns the authenticated buyer from the gateway header.
func BuyerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderBuyer))
}

// isAdmin reports whether the request carries the operator key. Comparison
// is constant time so the key cannot be probed byte by byte.
func isAdmin(r *http.Request, adminKey string) bool {
	if adminKey == "" {
		return false
	}
	got := r.Header.Get(HeaderAdminKey)
	return subtle.ConstantTimeCompare([]byte(got), []byte(adminKey)) == 1
}

// surgeConfig holds the per-IP surge limiter settings.
type surgeConfig struct {
	rps   rate.Limit
	burst int
}

// SurgeLimiter is a coarse per-IP token bucket in front of the category
// quotas. It protects the process, not the policy; the windowed quotas in
// pkg/ratelimit enforce the per-principal limits.
type SurgeLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   surgeConfig
}

// visitor tracks the limiter and last seen time for an IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSurgeLimiter creates a per-IP limiter allowing rps requests per second
// with the given burst.
func NewSurgeLimiter(rps int, burst int) *SurgeLimiter {
	sl := &SurgeLimiter{
		visitors: make(map[string]*visitor),
		config: surgeConfig{
			rps:   rate.Limit(rps),
			burst: burst,
		},
	}
	go sl.cleanupVisitors()
	return sl
}

// getVisitor returns the limiter for an IP, creating it if necessary.
func (sl *SurgeLimiter) getVisitor(ip string) *rate.Limiter {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	v, exists := sl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(sl.config.rps, sl.config.burst)
		sl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors drops entries idle for more than 3 minutes so the map
// does not grow without bound.
func (sl *SurgeLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		sl.mu.Lock()
		for ip, v := range sl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(sl.visitors, ip)
			}
		}
		sl.mu.Unlock()
	}
}

// Middleware rejects requests from IPs exceeding the surge limit.
func (sl *SurgeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := sl.getVisitor(clientIP(r))
		if !limiter.Allow() {
			WriteRateLimited(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the remote IP, tolerating missing ports and bracketed
// IPv6 literals.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
