package consent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// SQLStore persists consent events in a relational database. A companion
// consent_heads table carries one row per user holding the latest chain
// hash; appends lock that row so the chain stays linear under concurrency.
type SQLStore struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewSQLStore wires a store over an open database and creates the schema if
// missing.
func NewSQLStore(db *sql.DB, dialect store.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	if s.dialect == store.DialectSQLite {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS consent_events (
			%s,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			purpose TEXT NOT NULL DEFAULT '',
			initiated_by TEXT NOT NULL,
			offer_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			reason_category TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			ts_unix_us BIGINT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL DEFAULT ''
		)`, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_consent_events_user ON consent_events (user_id, ts_unix_us, id)`,
		`CREATE TABLE IF NOT EXISTS consent_heads (
			user_id TEXT PRIMARY KEY,
			head_hash TEXT NOT NULL,
			updated_us BIGINT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("consent: creating schema: %w", err)
		}
	}
	return nil
}

const (
	upsertHeadSQL = `INSERT INTO consent_heads (user_id, head_hash, updated_us) VALUES ($1, '0', $2)
		ON CONFLICT (user_id) DO NOTHING`
	selectHeadSQL = `SELECT head_hash FROM consent_heads WHERE user_id = $1`
	updateHeadSQL = `UPDATE consent_heads SET head_hash = $1, updated_us = $2 WHERE user_id = $3`

	insertEventSQL = `INSERT INTO consent_events
		(user_id, action, scope, purpose, initiated_by, offer_id, reason, reason_category, metadata, ts_unix_us, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
	setEventHashSQL = `UPDATE consent_events SET hash = $1 WHERE id = $2`

	selectEventsSQL = `SELECT id, user_id, action, scope, purpose, initiated_by, offer_id, reason,
		reason_category, metadata, ts_unix_us, prev_hash, hash FROM consent_events`
)

// lockHead ensures the user's head row exists and takes the per-user append
// lock. Postgres uses a row lock; SQLite serializes writers at the file
// level, so a plain read inside the write transaction suffices.
func (s *SQLStore) lockHead(ctx context.Context, tx *sql.Tx, userID string, nowUS int64) (string, error) {
	if _, err := tx.ExecContext(ctx, upsertHeadSQL, userID, nowUS); err != nil {
		return "", fmt.Errorf("consent: seeding chain head: %w", err)
	}
	query := selectHeadSQL
	if s.dialect == store.DialectPostgres {
		query += " FOR UPDATE"
	}
	var head string
	if err := tx.QueryRowContext(ctx, query, userID).Scan(&head); err != nil {
		return "", fmt.Errorf("consent: locking chain head: %w", err)
	}
	return head, nil
}

// Append implements Store. The hook, when present, runs after the event row
// is staged and before commit; a commit failure triggers the hook's revert.
func (s *SQLStore) Append(ctx context.Context, e *Event, hash HashFunc, hook CommitHook) (*Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("consent: beginning append: %w", err)
	}
	defer tx.Rollback()

	tsUS := e.Timestamp.UnixMicro()
	prev, err := s.lockHead(ctx, tx, e.UserID, tsUS)
	if err != nil {
		return nil, err
	}
	e.PrevHash = prev

	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	if err := tx.QueryRowContext(ctx, insertEventSQL,
		e.UserID, string(e.Action), e.Scope, e.Purpose, string(e.InitiatedBy),
		e.OfferID, e.Reason, e.ReasonCategory, meta, tsUS, e.PrevHash,
	).Scan(&e.ID); err != nil {
		return nil, fmt.Errorf("consent: inserting event: %w", err)
	}

	e.Hash = hash(e)
	if _, err := tx.ExecContext(ctx, setEventHashSQL, e.Hash, e.ID); err != nil {
		return nil, fmt.Errorf("consent: finalizing event hash: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updateHeadSQL, e.Hash, tsUS, e.UserID); err != nil {
		return nil, fmt.Errorf("consent: advancing chain head: %w", err)
	}

	var revert func() error
	if hook != nil {
		revert, err = hook(e)
		if err != nil {
			return nil, fmt.Errorf("consent: witness append: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		if revert != nil {
			if rerr := revert(); rerr != nil {
				return nil, fmt.Errorf("consent: committing append: %w (witness revert failed: %v)", err, rerr)
			}
		}
		return nil, fmt.Errorf("consent: committing append: %w", err)
	}
	return e, nil
}

// History implements Store.
func (s *SQLStore) History(ctx context.Context, userID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEventsSQL+` WHERE user_id = $1 ORDER BY ts_unix_us, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("consent: querying history: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Event implements Store.
func (s *SQLStore) Event(ctx context.Context, id int64) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEventsSQL+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("consent: querying event %d: %w", id, err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("consent: event %d: %w", id, ErrEventNotFound)
	}
	return events[0], nil
}

// Range implements Store. Nil bounds are open.
func (s *SQLStore) Range(ctx context.Context, start, end *time.Time) ([]*Event, error) {
	query := selectEventsSQL + ` WHERE 1=1`
	args := []any{}
	if start != nil {
		args = append(args, start.UTC().UnixMicro())
		query += fmt.Sprintf(" AND ts_unix_us >= $%d", len(args))
	}
	if end != nil {
		args = append(args, end.UTC().UnixMicro())
		query += fmt.Sprintf(" AND ts_unix_us <= $%d", len(args))
	}
	query += ` ORDER BY ts_unix_us, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("consent: querying range: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PurgeUser implements Store. It takes the same head lock as Append so a
// deletion never interleaves with an in-flight append for the user.
func (s *SQLStore) PurgeUser(ctx context.Context, userID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("consent: beginning purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.lockHead(ctx, tx, userID, time.Now().UnixMicro()); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM consent_events WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("consent: deleting events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("consent: counting deleted events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM consent_heads WHERE user_id = $1`, userID); err != nil {
		return 0, fmt.Errorf("consent: deleting chain head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("consent: committing purge: %w", err)
	}
	return deleted, nil
}

// Users implements Store.
func (s *SQLStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM consent_events ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("consent: listing users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("consent: scanning user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func marshalMetadata(m Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("consent: encoding metadata: %w", err)
	}
	return string(raw), nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var (
			e    Event
			meta string
			tsUS int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Scope, &e.Purpose, &e.InitiatedBy,
			&e.OfferID, &e.Reason, &e.ReasonCategory, &meta, &tsUS, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("consent: scanning event: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("consent: decoding metadata for event %d: %w", e.ID, err)
			}
		}
		e.Timestamp = time.UnixMicro(tsUS).UTC()
		events = append(events, &e)
	}
	return events, rows.Err()
}
