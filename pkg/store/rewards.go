package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrConflict marks invalid status transitions, such as paying out a payout
// that is not pending.
var ErrConflict = errors.New("store: status conflict")

// Payout statuses.
const (
	PayoutPending = "pending"
	PayoutPaid    = "paid"
	PayoutFailed  = "failed"
)

// Reward is compensation earned for one fulfilled offer.
type Reward struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	OfferID   string    `json:"offer_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Payout is a requested transfer of accumulated rewards. Payout rows are
// financial records: data deletion preserves them.
type Payout struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Amount    float64   `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	PaidAt    time.Time `json:"paid_at,omitempty"`
}

// RewardStore persists rewards and payouts.
type RewardStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewRewardStore wires the store and creates the schema if missing.
func NewRewardStore(db *sql.DB, dialect Dialect) (*RewardStore, error) {
	s := &RewardStore{db: db, dialect: dialect}
	idColumn := "id BIGSERIAL PRIMARY KEY"
	if dialect == DialectSQLite {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rewards (
			%s,
			user_id TEXT NOT NULL,
			offer_id TEXT NOT NULL DEFAULT '',
			amount DOUBLE PRECISION NOT NULL,
			created_us BIGINT NOT NULL
		)`, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_rewards_user ON rewards (user_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS payouts (
			%s,
			user_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			created_us BIGINT NOT NULL,
			paid_us BIGINT NOT NULL DEFAULT 0
		)`, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_payouts_user ON payouts (user_id)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("store: creating rewards schema: %w", err)
		}
	}
	return s, nil
}

// AddReward records earned compensation.
func (s *RewardStore) AddReward(ctx context.Context, r *Reward) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Microsecond)
	err := s.db.QueryRowContext(ctx, `INSERT INTO rewards (user_id, offer_id, amount, created_us)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		r.UserID, r.OfferID, r.Amount, r.CreatedAt.UnixMicro()).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("store: inserting reward: %w", err)
	}
	return nil
}

// Balance returns total rewards minus all non-failed payout amounts.
func (s *RewardStore) Balance(ctx context.Context, userID string) (float64, error) {
	var earned, paid sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM rewards WHERE user_id = $1`, userID).Scan(&earned); err != nil {
		return 0, fmt.Errorf("store: summing rewards: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM payouts WHERE user_id = $1 AND status != $2`, userID, PayoutFailed).Scan(&paid); err != nil {
		return 0, fmt.Errorf("store: summing payouts: %w", err)
	}
	return earned.Float64 - paid.Float64, nil
}

// RequestPayout creates a pending payout for the full balance when it meets
// the minimum threshold.
func (s *RewardStore) RequestPayout(ctx context.Context, userID string, minimum float64) (*Payout, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < minimum {
		return nil, fmt.Errorf("store: balance %.2f below payout minimum %.2f", balance, minimum)
	}
	p := &Payout{
		UserID:    userID,
		Amount:    balance,
		Status:    PayoutPending,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	err = s.db.QueryRowContext(ctx, `INSERT INTO payouts (user_id, amount, status, created_us)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		p.UserID, p.Amount, p.Status, p.CreatedAt.UnixMicro()).Scan(&p.ID)
	if err != nil {
		return nil, fmt.Errorf("store: inserting payout: %w", err)
	}
	return p, nil
}

// MarkPayoutPaid transitions a pending payout to paid. Any other starting
// status is a conflict.
func (s *RewardStore) MarkPayoutPaid(ctx context.Context, payoutID int64) error {
	paidAt := time.Now().UTC().Truncate(time.Microsecond)
	res, err := s.db.ExecContext(ctx, `UPDATE payouts SET status = $1, paid_us = $2
		WHERE id = $3 AND status = $4`,
		PayoutPaid, paidAt.UnixMicro(), payoutID, PayoutPending)
	if err != nil {
		return fmt.Errorf("store: updating payout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: counting payout updates: %w", err)
	}
	if n == 0 {
		// Either the payout does not exist or it already left pending.
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM payouts WHERE id = $1`, payoutID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: payout %d", ErrNotFound, payoutID)
		}
		if err != nil {
			return fmt.Errorf("store: reading payout status: %w", err)
		}
		return fmt.Errorf("%w: payout %d is %s, not %s", ErrConflict, payoutID, status, PayoutPending)
	}
	return nil
}

// ListPayouts returns a user's payouts, newest first.
func (s *RewardStore) ListPayouts(ctx context.Context, userID string) ([]*Payout, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, amount, status, created_us, paid_us
		FROM payouts WHERE user_id = $1 ORDER BY created_us DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: listing payouts: %w", err)
	}
	defer rows.Close()

	var out []*Payout
	for rows.Next() {
		var (
			p                 Payout
			createdUS, paidUS int64
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Amount, &p.Status, &createdUS, &paidUS); err != nil {
			return nil, fmt.Errorf("store: scanning payout: %w", err)
		}
		p.CreatedAt = time.UnixMicro(createdUS).UTC()
		if paidUS > 0 {
			p.PaidAt = time.UnixMicro(paidUS).UTC()
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteUserRewards removes reward rows for a user. Payout rows are
// financial records and are intentionally preserved.
func (s *RewardStore) DeleteUserRewards(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rewards WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("store: deleting rewards: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: counting deleted rewards: %w", err)
	}
	return n, nil
}
