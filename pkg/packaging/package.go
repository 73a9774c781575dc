package packaging

import (
	"errors"
	"time"
)

// Package statuses. Denied or unnormalizable requests still produce a
// persisted package row carrying status "error" and a reason, so every
// attempt leaves an addressable artifact; error packages have no content
// and no token.
const (
	StatusReady = "ready"
	StatusError = "error"
)

// ErrPackageExpired is returned by fetches after the content expiry.
var ErrPackageExpired = errors.New("packaging: package content expired")

// Package is the artifact returned to a buyer: anonymized content plus the
// metadata a recipient needs to honor its usage policy. Exactly one of
// Records and Ciphertext is populated on a ready package.
type Package struct {
	ID            string         `json:"package_id"`
	ConsentID     int64          `json:"consent_id"`
	UserID        string         `json:"user_id"`
	DataType      string         `json:"data_type"`
	AccessLevel   string         `json:"access_level"`
	Anonymization string         `json:"anonymization_level,omitempty"`
	Purpose       string         `json:"purpose,omitempty"`
	BuyerID       string         `json:"buyer_id,omitempty"`
	TrustTier     string         `json:"trust_tier,omitempty"`
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Records       []Record       `json:"content,omitempty"`
	Ciphertext    string         `json:"content_encrypted,omitempty"`
	AccessToken   string         `json:"access_token,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at,omitempty"`
}

// Encrypted reports whether content is held as ciphertext.
func (p *Package) Encrypted() bool { return p.Ciphertext != "" }
