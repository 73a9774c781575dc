package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// Profile is the user profile row. Preferences is free-form JSON chosen by
// the client.
type Profile struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Email       string         `json:"email"`
	Preferences map[string]any `json:"data_sharing_preferences,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ProfileStore persists user profiles.
type ProfileStore struct {
	db *sql.DB
}

// NewProfileStore wires the store and creates the schema if missing.
func NewProfileStore(db *sql.DB) (*ProfileStore, error) {
	s := &ProfileStore{db: db}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		preferences TEXT NOT NULL DEFAULT '{}',
		created_us BIGINT NOT NULL,
		updated_us BIGINT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("store: creating profiles schema: %w", err)
	}
	return s, nil
}

// Upsert inserts or replaces the profile.
func (s *ProfileStore) Upsert(ctx context.Context, p *Profile) error {
	prefs := "{}"
	if p.Preferences != nil {
		raw, err := json.Marshal(p.Preferences)
		if err != nil {
			return fmt.Errorf("store: encoding preferences: %w", err)
		}
		prefs = string(raw)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO profiles (user_id, display_name, email, preferences, created_us, updated_us)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			preferences = EXCLUDED.preferences,
			updated_us = EXCLUDED.updated_us`,
		p.UserID, p.DisplayName, p.Email, prefs, p.CreatedAt.UnixMicro(), p.UpdatedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("store: upserting profile: %w", err)
	}
	return nil
}

// Get returns the profile or ErrNotFound.
func (s *ProfileStore) Get(ctx context.Context, userID string) (*Profile, error) {
	var (
		p                    Profile
		prefs                string
		createdUS, updatedUS int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT user_id, display_name, email, preferences, created_us, updated_us
		FROM profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.Email, &prefs, &createdUS, &updatedUS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading profile: %w", err)
	}
	if prefs != "" && prefs != "{}" {
		if err := json.Unmarshal([]byte(prefs), &p.Preferences); err != nil {
			return nil, fmt.Errorf("store: decoding preferences: %w", err)
		}
	}
	p.CreatedAt = time.UnixMicro(createdUS).UTC()
	p.UpdatedAt = time.UnixMicro(updatedUS).UTC()
	return &p, nil
}

// Delete removes the profile, reporting whether a row existed.
func (s *ProfileStore) Delete(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("store: deleting profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: counting deleted profiles: %w", err)
	}
	return n > 0, nil
}
