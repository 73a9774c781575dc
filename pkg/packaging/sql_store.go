package packaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// Store persists packages so capability fetches and audits can find them
// after the create response is gone.
type Store interface {
	Save(ctx context.Context, p *Package) error
	Get(ctx context.Context, id string) (*Package, error)
}

// SQLStore keeps packages in a relational table. Content is stored as a
// JSON array, or as the ciphertext blob when encryption is on.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wires the store and creates the schema if missing.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS data_packages (
		id TEXT PRIMARY KEY,
		consent_id BIGINT NOT NULL DEFAULT 0,
		user_id TEXT NOT NULL,
		data_type TEXT NOT NULL,
		access_level TEXT NOT NULL,
		anonymization_level TEXT NOT NULL DEFAULT '',
		purpose TEXT NOT NULL DEFAULT '',
		buyer_id TEXT NOT NULL DEFAULT '',
		trust_tier TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '[]',
		encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		access_token TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_us BIGINT NOT NULL,
		expires_us BIGINT NOT NULL DEFAULT 0
	)`); err != nil {
		return nil, fmt.Errorf("packaging: creating schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_data_packages_user ON data_packages (user_id, created_us)`); err != nil {
		return nil, fmt.Errorf("packaging: creating index: %w", err)
	}
	return s, nil
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, p *Package) error {
	content := p.Ciphertext
	if !p.Encrypted() {
		records := p.Records
		if records == nil {
			records = []Record{}
		}
		raw, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("packaging: encoding content: %w", err)
		}
		content = string(raw)
	}
	meta := []byte("{}")
	if p.Metadata != nil {
		var err error
		if meta, err = json.Marshal(p.Metadata); err != nil {
			return fmt.Errorf("packaging: encoding metadata: %w", err)
		}
	}

	var expiresUS int64
	if !p.ExpiresAt.IsZero() {
		expiresUS = p.ExpiresAt.UnixMicro()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO data_packages
		(id, consent_id, user_id, data_type, access_level, anonymization_level, purpose,
		 buyer_id, trust_tier, status, reason, content, encrypted, access_token, metadata,
		 created_us, expires_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.ConsentID, p.UserID, p.DataType, p.AccessLevel, p.Anonymization, p.Purpose,
		p.BuyerID, p.TrustTier, p.Status, p.Reason, content, p.Encrypted(), p.AccessToken,
		string(meta), p.CreatedAt.UnixMicro(), expiresUS)
	if err != nil {
		return fmt.Errorf("packaging: inserting package: %w", err)
	}
	return nil
}

// Get implements Store, wrapping store.ErrNotFound for unknown ids.
func (s *SQLStore) Get(ctx context.Context, id string) (*Package, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, consent_id, user_id, data_type, access_level,
		anonymization_level, purpose, buyer_id, trust_tier, status, reason, content, encrypted,
		access_token, metadata, created_us, expires_us
		FROM data_packages WHERE id = $1`, id)

	var (
		p         Package
		content   string
		encrypted bool
		meta      string
		createdUS int64
		expiresUS int64
	)
	err := row.Scan(&p.ID, &p.ConsentID, &p.UserID, &p.DataType, &p.AccessLevel,
		&p.Anonymization, &p.Purpose, &p.BuyerID, &p.TrustTier, &p.Status, &p.Reason,
		&content, &encrypted, &p.AccessToken, &meta, &createdUS, &expiresUS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: package %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("packaging: scanning package: %w", err)
	}

	if encrypted {
		p.Ciphertext = content
	} else if err := json.Unmarshal([]byte(content), &p.Records); err != nil {
		return nil, fmt.Errorf("packaging: decoding content for package %s: %w", id, err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
			return nil, fmt.Errorf("packaging: decoding metadata for package %s: %w", id, err)
		}
	}
	p.CreatedAt = time.UnixMicro(createdUS).UTC()
	if expiresUS != 0 {
		p.ExpiresAt = time.UnixMicro(expiresUS).UTC()
	}
	return &p, nil
}
