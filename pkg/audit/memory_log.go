package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process Log for tests and database-free development.
type MemoryLog struct {
	mu      sync.Mutex
	records []*Record
	nextID  int64
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log.
func (m *MemoryLog) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)
	m.nextID++
	rec.ID = m.nextID
	clone := *rec
	m.records = append(m.records, &clone)
	return nil
}

// Find implements Log.
func (m *MemoryLog) Find(ctx context.Context, q Query) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, rec := range m.records {
		if q.UserID != "" && rec.UserID != q.UserID {
			continue
		}
		if q.PackageID != "" && rec.PackageID != q.PackageID {
			continue
		}
		if q.BuyerID != "" && rec.BuyerID != q.BuyerID {
			continue
		}
		if q.Operation != "" && rec.Operation != q.Operation {
			continue
		}
		if q.Start != nil && rec.Timestamp.Before(*q.Start) {
			continue
		}
		if q.End != nil && rec.Timestamp.After(*q.End) {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
