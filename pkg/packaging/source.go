package packaging

import (
	"context"
	"sync"
)

// RecordSource supplies the raw records packaged for a user and data type.
// Collection pipelines live upstream; the server wires whatever source its
// deployment has, and an empty source yields empty (still valid) packages.
type RecordSource interface {
	Records(ctx context.Context, userID, dataType string) ([]Record, error)
}

// StaticSource holds records in memory, keyed by user and data type. It
// backs development servers and tests.
type StaticSource struct {
	mu   sync.Mutex
	data map[string][]Record
}

// NewStaticSource returns an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{data: make(map[string][]Record)}
}

// Put appends records for a user and data type.
func (s *StaticSource) Put(userID, dataType string, records ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "\x00" + dataType
	s.data[key] = append(s.data[key], records...)
}

// Records implements RecordSource. Returned slices are copies so callers
// can transform them freely.
func (s *StaticSource) Records(ctx context.Context, userID, dataType string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.data[userID+"\x00"+dataType]
	out := make([]Record, len(stored))
	copy(out, stored)
	return out, nil
}
