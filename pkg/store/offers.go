package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Offer sensitivity levels used by buyer-trust offer filtering.
const (
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

// Offer is a buyer's standing request for a kind of user data.
type Offer struct {
	OfferID     string    `json:"offer_id"`
	BuyerID     string    `json:"buyer_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	DataType    string    `json:"data_type"`
	AccessLevel string    `json:"access_level"`
	Payout      float64   `json:"payout"`
	Sensitivity string    `json:"sensitivity_level"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// OfferStore persists offers.
type OfferStore struct {
	db *sql.DB
}

// NewOfferStore wires the store and creates the schema if missing.
func NewOfferStore(db *sql.DB) (*OfferStore, error) {
	s := &OfferStore{db: db}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS offers (
		offer_id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		data_type TEXT NOT NULL,
		access_level TEXT NOT NULL,
		payout DOUBLE PRECISION NOT NULL DEFAULT 0,
		sensitivity_level TEXT NOT NULL DEFAULT 'low',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_us BIGINT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("store: creating offers schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_offers_buyer ON offers (buyer_id)`); err != nil {
		return nil, fmt.Errorf("store: creating offers index: %w", err)
	}
	return s, nil
}

// Upsert inserts or replaces an offer.
func (s *OfferStore) Upsert(ctx context.Context, o *Offer) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.CreatedAt = o.CreatedAt.UTC().Truncate(time.Microsecond)
	if o.Sensitivity == "" {
		o.Sensitivity = SensitivityLow
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO offers
		(offer_id, buyer_id, title, description, data_type, access_level, payout, sensitivity_level, active, created_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (offer_id) DO UPDATE SET
			buyer_id = EXCLUDED.buyer_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			data_type = EXCLUDED.data_type,
			access_level = EXCLUDED.access_level,
			payout = EXCLUDED.payout,
			sensitivity_level = EXCLUDED.sensitivity_level,
			active = EXCLUDED.active`,
		o.OfferID, o.BuyerID, o.Title, o.Description, o.DataType, o.AccessLevel,
		o.Payout, o.Sensitivity, o.Active, o.CreatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("store: upserting offer: %w", err)
	}
	return nil
}

// Get returns the offer or ErrNotFound.
func (s *OfferStore) Get(ctx context.Context, offerID string) (*Offer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT offer_id, buyer_id, title, description, data_type,
		access_level, payout, sensitivity_level, active, created_us
		FROM offers WHERE offer_id = $1`, offerID)
	o, err := scanOffer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: offer %s", ErrNotFound, offerID)
	}
	return o, err
}

// ListActive returns all active offers.
func (s *OfferStore) ListActive(ctx context.Context) ([]*Offer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT offer_id, buyer_id, title, description, data_type,
		access_level, payout, sensitivity_level, active, created_us
		FROM offers WHERE active ORDER BY created_us DESC, offer_id`)
	if err != nil {
		return nil, fmt.Errorf("store: listing offers: %w", err)
	}
	defer rows.Close()

	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOffer(scan func(...any) error) (*Offer, error) {
	var (
		o         Offer
		createdUS int64
	)
	if err := scan(&o.OfferID, &o.BuyerID, &o.Title, &o.Description, &o.DataType,
		&o.AccessLevel, &o.Payout, &o.Sensitivity, &o.Active, &createdUS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scanning offer: %w", err)
	}
	o.CreatedAt = time.UnixMicro(createdUS).UTC()
	return &o, nil
}
