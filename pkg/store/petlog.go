package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PETQuery is one privacy-enhancing-technology query record: which
// aggregate was computed over a user's data and under what privacy method.
// The DSR export includes these so users can see how their data was used.
type PETQuery struct {
	ID            int64          `json:"id"`
	UserID        string         `json:"user_id"`
	QueryType     string         `json:"query_type"`
	PrivacyMethod string         `json:"privacy_method"`
	Status        string         `json:"status"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// PETLogStore persists PET query records.
type PETLogStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewPETLogStore wires the store and creates the schema if missing.
func NewPETLogStore(db *sql.DB, dialect Dialect) (*PETLogStore, error) {
	s := &PETLogStore{db: db, dialect: dialect}
	idColumn := "id BIGSERIAL PRIMARY KEY"
	if dialect == DialectSQLite {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pet_queries (
		%s,
		user_id TEXT NOT NULL,
		query_type TEXT NOT NULL,
		privacy_method TEXT NOT NULL,
		status TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		created_us BIGINT NOT NULL
	)`, idColumn)
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("store: creating pet_queries schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_pet_queries_user ON pet_queries (user_id, created_us)`); err != nil {
		return nil, fmt.Errorf("store: creating pet_queries index: %w", err)
	}
	return s, nil
}

// Append records a PET query.
func (s *PETLogStore) Append(ctx context.Context, q *PETQuery) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	q.CreatedAt = q.CreatedAt.UTC().Truncate(time.Microsecond)

	details := "{}"
	if q.Details != nil {
		raw, err := json.Marshal(q.Details)
		if err != nil {
			return fmt.Errorf("store: encoding pet query details: %w", err)
		}
		details = string(raw)
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO pet_queries (user_id, query_type, privacy_method, status, details, created_us)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		q.UserID, q.QueryType, q.PrivacyMethod, q.Status, details, q.CreatedAt.UnixMicro()).Scan(&q.ID)
	if err != nil {
		return fmt.Errorf("store: inserting pet query: %w", err)
	}
	return nil
}

// ByUser returns a user's PET queries in chronological order.
func (s *PETLogStore) ByUser(ctx context.Context, userID string) ([]*PETQuery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, query_type, privacy_method, status, details, created_us
		FROM pet_queries WHERE user_id = $1 ORDER BY created_us, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: listing pet queries: %w", err)
	}
	defer rows.Close()

	var out []*PETQuery
	for rows.Next() {
		var (
			q         PETQuery
			details   string
			createdUS int64
		)
		if err := rows.Scan(&q.ID, &q.UserID, &q.QueryType, &q.PrivacyMethod, &q.Status, &details, &createdUS); err != nil {
			return nil, fmt.Errorf("store: scanning pet query: %w", err)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &q.Details); err != nil {
				return nil, fmt.Errorf("store: decoding pet query details: %w", err)
			}
		}
		q.CreatedAt = time.UnixMicro(createdUS).UTC()
		out = append(out, &q)
	}
	return out, rows.Err()
}

// DeleteUser removes a user's PET query records.
func (s *PETLogStore) DeleteUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pet_queries WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("store: deleting pet queries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: counting deleted pet queries: %w", err)
	}
	return n, nil
}
