package api

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// cachedResponse is a previously-seen response held for idempotent replay.
type cachedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	CachedAt    time.Time
}

// IdempotencyStorer is the backend for idempotency replay.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*cachedResponse, bool)
	Set(ctx context.Context, key string, statusCode int, contentType string, body []byte)
}

// MemoryIdempotencyStore holds cached responses in memory. Entries expire
// after the TTL and are swept by a background goroutine.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
	ttl     time.Duration
}

// NewMemoryIdempotencyStore creates an in-memory idempotency store.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
	}
	go s.cleanup()
	return s
}

func (s *MemoryIdempotencyStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Check returns a cached response when present and within TTL.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*cachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, statusCode int, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cachedResponse{
		StatusCode:  statusCode,
		ContentType: contentType,
		Body:        body,
		CachedAt:    time.Now(),
	}
}

// SQLIdempotencyStore is the durable idempotency store. Unlike the memory
// store it survives process restarts, so replayed keys stay replayed.
type SQLIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLIdempotencyStore wires the store and creates the schema if missing.
// Bodies are JSON text, so the table needs no dialect-specific columns.
func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) (*SQLIdempotencyStore, error) {
	s := &SQLIdempotencyStore{db: db, ttl: ttl}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS idempotency_keys (
		cache_key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'application/json',
		body TEXT NOT NULL,
		cached_us BIGINT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("api: creating idempotency schema: %w", err)
	}
	return s, nil
}

// Check returns a cached response when present and within TTL. Expired rows
// are deleted on read; lookup errors count as a miss.
func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool) {
	var (
		statusCode  int
		contentType string
		body        string
		cachedUS    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, content_type, body, cached_us FROM idempotency_keys WHERE cache_key = $1`,
		key).Scan(&statusCode, &contentType, &body, &cachedUS)
	if err != nil {
		return nil, false
	}

	cachedAt := time.UnixMicro(cachedUS).UTC()
	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE cache_key = $1`, key)
		return nil, false
	}

	return &cachedResponse{
		StatusCode:  statusCode,
		ContentType: contentType,
		Body:        []byte(body),
		CachedAt:    cachedAt,
	}, true
}

// Set stores a response. Failures are logged, not surfaced: idempotency is
// best effort and must never fail the request it is caching.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, statusCode int, contentType string, body []byte) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (cache_key, status_code, content_type, body, cached_us)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (cache_key) DO NOTHING`,
		key, statusCode, contentType, string(body), time.Now().UTC().UnixMicro())
	if err != nil {
		slog.Warn("idempotency cache write failed", "error", err)
	}
}

// Cleanup deletes rows older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) {
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_us < $1`,
		time.Now().UTC().Add(-s.ttl).UnixMicro())
}

// responseCapture wraps http.ResponseWriter to record what the handler wrote.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays cached responses for mutating requests that
// repeat an Idempotency-Key. The cache key includes method and path so the
// same header value on different endpoints cannot collide. Only 2xx
// responses are cached; a failed attempt may be retried with the same key.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			cacheKey := r.Method + " " + r.URL.Path + " " + key

			if cached, ok := store.Check(r.Context(), cacheKey); ok {
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), cacheKey, capture.statusCode,
					w.Header().Get("Content-Type"), capture.body.Bytes())
			}
		})
	}
}
