// Package insight computes privacy-preserving aggregates over user data.
// Queries pass a consent gate and a DSR restriction gate before any
// computation runs; the privacy method (differential privacy or simulated
// SMPC) is a pluggable strategy. Heavy computations are capped per user.
package insight

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// Outcome statuses. Refusals are results, not errors: the caller gets a
// response explaining the refusal and no aggregate.
const (
	StatusSuccess   = "success"
	StatusRejected  = "rejected"
	StatusForbidden = "forbidden"
)

// ConsentChecker is the slice of the consent validator the processor needs.
type ConsentChecker interface {
	IsAllowed(ctx context.Context, userID, scope, purpose string) (*consent.Decision, error)
}

// QueryRecorder persists PET query records for later DSR export.
type QueryRecorder interface {
	Append(ctx context.Context, q *store.PETQuery) error
}

// Request is one insight query.
type Request struct {
	QueryType     string  `json:"query_type"`
	PrivacyMethod string  `json:"privacy_method"`
	Params        Params  `json:"privacy_params"`
	UserID        string  `json:"user_id,omitempty"`
	DataScope     string  `json:"data_scope,omitempty"`
	Purpose       string  `json:"purpose,omitempty"`
	Data          Dataset `json:"data"`
}

// Response is the query outcome. Result is nil unless Status is success.
type Response struct {
	Result              map[string]float64 `json:"result"`
	Status              string             `json:"status"`
	ErrorDetails        string             `json:"error_details,omitempty"`
	RestrictedUserCount int                `json:"restricted_user_count,omitempty"`
	Metadata            map[string]any     `json:"metadata,omitempty"`
}

// Processor runs insight queries through the gates and the selected
// strategy.
type Processor struct {
	registry     *Registry
	validator    ConsentChecker
	restrictions consent.RestrictionChecker
	queryLog     QueryRecorder
	maxPerUser   int64
	clock        func() time.Time
	newID        func() string
	log          *slog.Logger

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// Option configures a Processor.
type Option func(*Processor)

// WithValidator attaches the consent gate.
func WithValidator(v ConsentChecker) Option {
	return func(p *Processor) { p.validator = v }
}

// WithRestrictions attaches the DSR restriction gate.
func WithRestrictions(r consent.RestrictionChecker) Option {
	return func(p *Processor) { p.restrictions = r }
}

// WithQueryLog attaches the PET query log.
func WithQueryLog(l QueryRecorder) Option {
	return func(p *Processor) { p.queryLog = l }
}

// WithMaxConcurrent caps simultaneous computations per user.
func WithMaxConcurrent(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxPerUser = int64(n)
		}
	}
}

// WithStrategy registers a strategy, replacing the default for its method.
func WithStrategy(s Strategy) Option {
	return func(p *Processor) { _ = p.registry.Register(s) }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(p *Processor) { p.clock = clock }
}

// NewProcessor builds a processor with the stock DP and SMPC strategies.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		registry:   NewRegistry(),
		maxPerUser: 2,
		clock:      time.Now,
		newID:      uuid.NewString,
		log:        slog.Default().With("component", "insight_processor"),
		slots:      make(map[string]*semaphore.Weighted),
	}
	_ = p.registry.Register(NewDPStrategy())
	_ = p.registry.Register(NewSMPCStrategy())
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one query. Malformed requests return an error; consent and
// restriction refusals return a response with the matching status and a
// nil error, so callers can distinguish "bad input" from "not permitted".
func (p *Processor) Process(ctx context.Context, req Request) (*Response, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty dataset", ErrInvalidParams)
	}
	method := normalizeMethod(req.PrivacyMethod)
	strategy, err := p.registry.Get(method)
	if err != nil {
		return nil, err
	}
	params := req.Params
	params.QueryType = req.QueryType
	if err := strategy.ValidateParams(params); err != nil {
		return nil, err
	}

	if refusal := p.gate(ctx, req, method); refusal != nil {
		return refusal, nil
	}

	// Per-user cap on heavy computation. Acquire respects ctx, so a
	// caller that gives up while queued does not burn a slot.
	slot := p.userSlot(req.UserID)
	if err := slot.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer slot.Release(1)

	start := p.clock()
	agg, err := strategy.Apply(ctx, req.Data, params)
	if err != nil {
		return nil, err
	}
	elapsed := p.clock().Sub(start)

	processID := p.newID()
	resp := &Response{
		Result: agg.Values,
		Status: StatusSuccess,
		Metadata: map[string]any{
			"process_id":         processID,
			"query_type":         req.QueryType,
			"privacy_method":     method,
			"status":             StatusSuccess,
			"processing_time_ms": float64(elapsed.Microseconds()) / 1000,
		},
	}
	if p.validator != nil && req.UserID != "" && req.DataScope != "" {
		resp.Metadata["consent_validated"] = true
	}
	for k, v := range agg.Details {
		resp.Metadata[k] = v
	}

	p.recordQuery(ctx, req, method, StatusSuccess, processID)
	p.log.Info("insight computed",
		"query_type", req.QueryType,
		"privacy_method", method,
		"groups", len(agg.Values),
		"elapsed", elapsed)
	return resp, nil
}

// gate applies the consent check and the DSR restriction sweep. A non-nil
// return is the refusal to hand back.
func (p *Processor) gate(ctx context.Context, req Request, method string) *Response {
	if p.validator != nil && req.UserID != "" && req.DataScope != "" {
		decision, _ := p.validator.IsAllowed(ctx, req.UserID, req.DataScope, req.Purpose)
		if !decision.Allowed {
			p.recordQuery(ctx, req, method, StatusRejected, "")
			p.log.Warn("insight rejected", "user_id", req.UserID, "reason", decision.Reason)
			return &Response{Status: StatusRejected, ErrorDetails: decision.Reason}
		}
	}

	if p.restrictions == nil {
		return nil
	}
	restricted := 0
	for _, userID := range userIDs(req.Data) {
		r, err := p.restrictions.CheckRestrictions(ctx, userID)
		if err != nil {
			// Fail closed: an unverifiable user counts as restricted.
			p.log.Error("restriction check failed", "user_id", userID, "error", err)
			restricted++
			continue
		}
		if r != nil && r.Restricted {
			restricted++
		}
	}
	if restricted > 0 {
		p.recordQuery(ctx, req, method, StatusForbidden, "")
		p.log.Warn("insight forbidden", "restricted_users", restricted)
		return &Response{
			Status:              StatusForbidden,
			ErrorDetails:        "dataset references users with active processing restrictions",
			RestrictedUserCount: restricted,
		}
	}
	return nil
}

func (p *Processor) userSlot(userID string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[userID]
	if !ok {
		s = semaphore.NewWeighted(p.maxPerUser)
		p.slots[userID] = s
	}
	return s
}

func (p *Processor) recordQuery(ctx context.Context, req Request, method, status, processID string) {
	if p.queryLog == nil || req.UserID == "" {
		return
	}
	q := &store.PETQuery{
		UserID:        req.UserID,
		QueryType:     req.QueryType,
		PrivacyMethod: method,
		Status:        status,
		CreatedAt:     p.clock(),
	}
	if processID != "" {
		q.Details = map[string]any{"process_id": processID}
	}
	if err := p.queryLog.Append(ctx, q); err != nil {
		p.log.Error("pet query log append failed", "user_id", req.UserID, "error", err)
	}
}

func normalizeMethod(method string) string {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "dp", MethodDifferentialPrivacy:
		return MethodDifferentialPrivacy
	case MethodSMPC:
		return MethodSMPC
	default:
		return strings.ToLower(strings.TrimSpace(method))
	}
}
