package trust

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// Decline is one buyer-offer rejection event.
type Decline struct {
	ID             int64     `json:"id"`
	BuyerID        string    `json:"buyer_id"`
	OfferID        string    `json:"offer_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ReasonCategory string    `json:"reason_category"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeclineStore persists declines and serves the per-buyer reads the scorer
// needs.
type DeclineStore interface {
	DeclineSource
	Record(ctx context.Context, d *Decline) error
}

// SQLDeclineStore is the relational decline store.
type SQLDeclineStore struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewSQLDeclineStore wires the store and creates the schema if missing.
func NewSQLDeclineStore(db *sql.DB, dialect store.Dialect) (*SQLDeclineStore, error) {
	s := &SQLDeclineStore{db: db, dialect: dialect}
	idColumn := "id BIGSERIAL PRIMARY KEY"
	if dialect == store.DialectSQLite {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS buyer_declines (
		%s,
		buyer_id TEXT NOT NULL,
		offer_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		reason_category TEXT NOT NULL,
		created_us BIGINT NOT NULL
	)`, idColumn)
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("trust: creating declines schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_buyer_declines_buyer ON buyer_declines (buyer_id, created_us)`); err != nil {
		return nil, fmt.Errorf("trust: creating declines index: %w", err)
	}
	return s, nil
}

// Record implements DeclineStore.
func (s *SQLDeclineStore) Record(ctx context.Context, d *Decline) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.CreatedAt = d.CreatedAt.UTC().Truncate(time.Microsecond)
	d.ReasonCategory = NormalizeReason(d.ReasonCategory)

	err := s.db.QueryRowContext(ctx, `INSERT INTO buyer_declines
		(buyer_id, offer_id, user_id, reason, reason_category, created_us)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		d.BuyerID, d.OfferID, d.UserID, d.Reason, d.ReasonCategory, d.CreatedAt.UnixMicro()).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("trust: inserting decline: %w", err)
	}
	return nil
}

// ByBuyer implements DeclineSource.
func (s *SQLDeclineStore) ByBuyer(ctx context.Context, buyerID string) ([]*Decline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, buyer_id, offer_id, user_id, reason, reason_category, created_us
		FROM buyer_declines WHERE buyer_id = $1 ORDER BY created_us, id`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("trust: listing declines: %w", err)
	}
	defer rows.Close()

	var out []*Decline
	for rows.Next() {
		var (
			d         Decline
			createdUS int64
		)
		if err := rows.Scan(&d.ID, &d.BuyerID, &d.OfferID, &d.UserID, &d.Reason, &d.ReasonCategory, &createdUS); err != nil {
			return nil, fmt.Errorf("trust: scanning decline: %w", err)
		}
		d.CreatedAt = time.UnixMicro(createdUS).UTC()
		out = append(out, &d)
	}
	return out, rows.Err()
}

// MemoryDeclineStore backs tests and database-free development.
type MemoryDeclineStore struct {
	mu       sync.Mutex
	declines []*Decline
	nextID   int64
}

// NewMemoryDeclineStore returns an empty in-memory store.
func NewMemoryDeclineStore() *MemoryDeclineStore {
	return &MemoryDeclineStore{}
}

// Record implements DeclineStore.
func (s *MemoryDeclineStore) Record(ctx context.Context, d *Decline) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.CreatedAt = d.CreatedAt.UTC().Truncate(time.Microsecond)
	d.ReasonCategory = NormalizeReason(d.ReasonCategory)
	s.nextID++
	d.ID = s.nextID
	s.declines = append(s.declines, d)
	return nil
}

// ByBuyer implements DeclineSource.
func (s *MemoryDeclineStore) ByBuyer(ctx context.Context, buyerID string) ([]*Decline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Decline
	for _, d := range s.declines {
		if d.BuyerID == buyerID {
			out = append(out, d)
		}
	}
	return out, nil
}
