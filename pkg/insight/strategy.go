package insight

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Privacy methods the processor ships with.
const (
	MethodDifferentialPrivacy = "differential_privacy"
	MethodSMPC                = "smpc"
)

// Query types. average_store_visits is the initial aggregate; strategies
// reject queries they do not implement.
const (
	QueryAverageStoreVisits = "average_store_visits"
)

var (
	ErrUnknownMethod = errors.New("insight: unknown privacy method")
	ErrUnknownQuery  = errors.New("insight: unknown query type")
	ErrInvalidParams = errors.New("insight: invalid privacy params")
)

// Row is one input record. The shipped queries read user_id,
// store_category and timestamp; unknown fields are ignored.
type Row map[string]any

// Dataset is a table of rows.
type Dataset []Row

// Params carries the privacy knobs for one query.
type Params struct {
	QueryType  string  `json:"query_type"`
	Epsilon    float64 `json:"epsilon,omitempty"`
	MinParties int     `json:"min_parties,omitempty"`
}

// Aggregate is a computed result: one value per group, plus
// method-specific details merged into the response metadata.
type Aggregate struct {
	Values  map[string]float64
	Details map[string]any
}

// Strategy computes a privacy-preserving aggregate. Implementations must
// poll ctx between record batches and must not leak raw input values
// through Details or logs.
type Strategy interface {
	Name() string
	ValidateParams(p Params) error
	Apply(ctx context.Context, data Dataset, p Params) (*Aggregate, error)
}

// Registry maps privacy methods to strategies.
type Registry struct {
	mu         sync.Mutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy, replacing any previous one with the same name.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s == nil || s.Name() == "" {
		return fmt.Errorf("insight: strategy requires a name")
	}
	r.strategies[s.Name()] = s
	return nil
}

// Get retrieves the strategy for a privacy method.
func (r *Registry) Get(method string) (Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.strategies[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return s, nil
}

// Methods lists the registered privacy methods.
func (r *Registry) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	return out
}

// batchSize is how many rows a strategy walks between cancellation polls.
const batchSize = 256

// eachBatch calls fn over data in batches, checking ctx between them.
func eachBatch(ctx context.Context, data Dataset, fn func(rows Dataset) error) error {
	for start := 0; start < len(data); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(data) {
			end = len(data)
		}
		if err := fn(data[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func rowString(r Row, key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// userIDs returns the distinct user ids referenced by the data, in
// first-seen order.
func userIDs(data Dataset) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, row := range data {
		id, ok := rowString(row, "user_id")
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// visitCounts groups the data by store_category and counts rows per user
// within each category. Rows missing either field are skipped.
func visitCounts(ctx context.Context, data Dataset) (map[string]map[string]float64, error) {
	counts := make(map[string]map[string]float64)
	err := eachBatch(ctx, data, func(rows Dataset) error {
		for _, row := range rows {
			category, ok := rowString(row, "store_category")
			if !ok {
				continue
			}
			user, ok := rowString(row, "user_id")
			if !ok {
				continue
			}
			perUser, ok := counts[category]
			if !ok {
				perUser = make(map[string]float64)
				counts[category] = perUser
			}
			perUser[user]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
