// Package audit records privacy-relevant operations: package issuance and
// access, DSR actions, and validation denials. Records are append-only and
// outlive the artifacts they describe.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Operations recorded against data packages and DSR actions.
const (
	OpCreated          = "created"
	OpAccessed         = "accessed"
	OpExpired          = "expired"
	OpValidationFailed = "validation_failed"
	OpDenied           = "denied"

	OpDSRExport   = "dsr_export"
	OpDSRDelete   = "dsr_delete"
	OpDSRRestrict = "dsr_restrict"
)

// Statuses carried by audit records.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusDenied  = "denied"
)

// Record is one immutable audit entry.
type Record struct {
	ID                 int64          `json:"id"`
	Timestamp          time.Time      `json:"timestamp"`
	Operation          string         `json:"operation"`
	PackageID          string         `json:"package_id,omitempty"`
	UserID             string         `json:"user_id,omitempty"`
	ConsentID          int64          `json:"consent_id,omitempty"`
	BuyerID            string         `json:"buyer_id,omitempty"`
	DataType           string         `json:"data_type,omitempty"`
	AccessLevel        string         `json:"access_level,omitempty"`
	AnonymizationLevel string         `json:"anonymization_level,omitempty"`
	RecordCount        int            `json:"record_count,omitempty"`
	Purpose            string         `json:"purpose,omitempty"`
	Status             string         `json:"status"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Query filters audit reads. Zero values are unset.
type Query struct {
	UserID    string
	PackageID string
	BuyerID   string
	Operation string
	Start     *time.Time
	End       *time.Time
	Limit     int
}

// Log persists audit records and serves operator queries.
type Log interface {
	Append(ctx context.Context, rec *Record) error
	Find(ctx context.Context, q Query) ([]*Record, error)
}

// Mirror wraps a Log so every record is also emitted as a structured log
// line, giving operators a live tail without querying the store.
type Mirror struct {
	next Log
	log  *slog.Logger
}

// NewMirror wraps next with slog mirroring.
func NewMirror(next Log) *Mirror {
	return &Mirror{next: next, log: slog.Default().With("component", "audit")}
}

// Append implements Log.
func (m *Mirror) Append(ctx context.Context, rec *Record) error {
	err := m.next.Append(ctx, rec)
	attrs := []any{
		"operation", rec.Operation,
		"status", rec.Status,
		"user_id", rec.UserID,
		"package_id", rec.PackageID,
	}
	if err != nil {
		m.log.Error("audit append failed", append(attrs, "error", err)...)
		return err
	}
	m.log.Info("audit", attrs...)
	return nil
}

// Find implements Log.
func (m *Mirror) Find(ctx context.Context, q Query) ([]*Record, error) {
	return m.next.Find(ctx, q)
}
