package consent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by development
// setups that have no database. A single mutex stands in for the per-user
// row lock; chain semantics match SQLStore.
type MemoryStore struct {
	mu     sync.Mutex
	events []*Event
	heads  map[string]string
	nextID int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{heads: make(map[string]string)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, e *Event, hash HashFunc, hook CommitHook) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.heads[e.UserID]
	if !ok {
		prev = GenesisHash
	}
	e.PrevHash = prev
	s.nextID++
	e.ID = s.nextID
	e.Hash = hash(e)

	if hook != nil {
		if _, err := hook(e); err != nil {
			s.nextID--
			return nil, err
		}
	}
	s.events = append(s.events, e)
	s.heads[e.UserID] = e.Hash
	return e, nil
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, userID string) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, e := range s.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out, nil
}

// Event implements Store.
func (s *MemoryStore) Event(ctx context.Context, id int64) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("consent: event %d: %w", id, ErrEventNotFound)
}

// Range implements Store.
func (s *MemoryStore) Range(ctx context.Context, start, end *time.Time) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, e := range s.events {
		if start != nil && e.Timestamp.Before(*start) {
			continue
		}
		if end != nil && e.Timestamp.After(*end) {
			continue
		}
		out = append(out, e)
	}
	sortEvents(out)
	return out, nil
}

// PurgeUser implements Store.
func (s *MemoryStore) PurgeUser(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*Event
	var deleted int64
	for _, e := range s.events {
		if e.UserID == userID {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	delete(s.heads, userID)
	return deleted, nil
}

// Users implements Store.
func (s *MemoryStore) Users(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var users []string
	for _, e := range s.events {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			users = append(users, e.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func sortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}
