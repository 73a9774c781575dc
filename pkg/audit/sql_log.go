package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// appendAttempts bounds retries of a failed audit append. Audit writes ride
// on background paths, so transient store errors are worth absorbing.
const appendAttempts = 3

// SQLLog stores audit records in the relational database.
type SQLLog struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewSQLLog wires the log over an open database and creates the schema if
// missing.
func NewSQLLog(db *sql.DB, dialect store.Dialect) (*SQLLog, error) {
	s := &SQLLog{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLLog) migrate() error {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	if s.dialect == store.DialectSQLite {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS package_audit (
			%s,
			ts_unix_us BIGINT NOT NULL,
			operation TEXT NOT NULL,
			package_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			consent_id BIGINT NOT NULL DEFAULT 0,
			buyer_id TEXT NOT NULL DEFAULT '',
			data_type TEXT NOT NULL DEFAULT '',
			access_level TEXT NOT NULL DEFAULT '',
			anonymization_level TEXT NOT NULL DEFAULT '',
			record_count INTEGER NOT NULL DEFAULT 0,
			purpose TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		)`, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_package_audit_user ON package_audit (user_id, ts_unix_us)`,
		`CREATE INDEX IF NOT EXISTS idx_package_audit_package ON package_audit (package_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("audit: creating schema: %w", err)
		}
	}
	return nil
}

const insertAuditSQL = `INSERT INTO package_audit
	(ts_unix_us, operation, package_id, user_id, consent_id, buyer_id, data_type,
	 access_level, anonymization_level, record_count, purpose, status, error_message, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// Append implements Log, retrying transient failures with backoff.
func (s *SQLLog) Append(ctx context.Context, rec *Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)

	meta := "{}"
	if rec.Metadata != nil {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("audit: encoding metadata: %w", err)
		}
		meta = string(raw)
	}

	operation := func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, insertAuditSQL,
			rec.Timestamp.UnixMicro(), rec.Operation, rec.PackageID, rec.UserID, rec.ConsentID,
			rec.BuyerID, rec.DataType, rec.AccessLevel, rec.AnonymizationLevel, rec.RecordCount,
			rec.Purpose, rec.Status, rec.ErrorMessage, meta)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	if _, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(appendAttempts)); err != nil {
		return fmt.Errorf("audit: appending record: %w", err)
	}
	return nil
}

// Find implements Log.
func (s *SQLLog) Find(ctx context.Context, q Query) ([]*Record, error) {
	query := `SELECT id, ts_unix_us, operation, package_id, user_id, consent_id, buyer_id, data_type,
		access_level, anonymization_level, record_count, purpose, status, error_message, metadata
		FROM package_audit WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if q.UserID != "" {
		add("user_id =", q.UserID)
	}
	if q.PackageID != "" {
		add("package_id =", q.PackageID)
	}
	if q.BuyerID != "" {
		add("buyer_id =", q.BuyerID)
	}
	if q.Operation != "" {
		add("operation =", q.Operation)
	}
	if q.Start != nil {
		add("ts_unix_us >=", q.Start.UTC().UnixMicro())
	}
	if q.End != nil {
		add("ts_unix_us <=", q.End.UTC().UnixMicro())
	}
	query += " ORDER BY ts_unix_us DESC, id DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: querying records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			rec  Record
			tsUS int64
			meta string
		)
		if err := rows.Scan(&rec.ID, &tsUS, &rec.Operation, &rec.PackageID, &rec.UserID, &rec.ConsentID,
			&rec.BuyerID, &rec.DataType, &rec.AccessLevel, &rec.AnonymizationLevel, &rec.RecordCount,
			&rec.Purpose, &rec.Status, &rec.ErrorMessage, &meta); err != nil {
			return nil, fmt.Errorf("audit: scanning record: %w", err)
		}
		rec.Timestamp = time.UnixMicro(tsUS).UTC()
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decoding metadata for record %d: %w", rec.ID, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
