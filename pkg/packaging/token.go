package packaging

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
)

// Token validation reasons. Clients learn which check failed and nothing
// more.
const (
	TokenReasonInvalidFormat    = "invalid_format"
	TokenReasonExpired          = "expired"
	TokenReasonPackageMismatch  = "package_mismatch"
	TokenReasonSignatureInvalid = "signature_invalid"
)

const tokenIssuerName = "tavren/packaging"

// TokenClaims is the capability token payload: one package, one consent,
// bounded lifetime.
type TokenClaims struct {
	jwt.RegisteredClaims
	PackageID string `json:"package_id"`
	ConsentID int64  `json:"consent_id"`
}

// TokenCheck is the outcome of validating a capability token.
type TokenCheck struct {
	OK        bool      `json:"valid"`
	Reason    string    `json:"reason,omitempty"`
	PackageID string    `json:"package_id,omitempty"`
	ConsentID int64     `json:"consent_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// TokenIssuer mints and validates HS256 capability tokens. The signing key
// is derived from the JWT secret under the capability-token salt, so session
// tokens signed with the raw secret can never pass as capabilities.
type TokenIssuer struct {
	key []byte
	now func() time.Time
}

// TokenOption configures a TokenIssuer.
type TokenOption func(*TokenIssuer)

// WithTokenClock fixes the issuer's clock; tests use it to cross expiry.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(t *TokenIssuer) { t.now = now }
}

// NewTokenIssuer derives the capability signing key from the server JWT
// secret.
func NewTokenIssuer(secret string, opts ...TokenOption) *TokenIssuer {
	t := &TokenIssuer{
		key: crypto.DeriveKey(secret, crypto.SaltCapabilityToken),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Issue mints a token bound to one package. Expiry equals the package
// content expiry; tokens are not refreshable.
func (t *TokenIssuer) Issue(packageID string, consentID int64, expiresAt time.Time) (string, error) {
	now := t.now().UTC()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt.UTC()),
		},
		PackageID: packageID,
		ConsentID: consentID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("packaging: signing capability token: %w", err)
	}
	return signed, nil
}

// Validate checks format, expiry, package binding, and signature integrity.
// Every failure maps to one reason from the enum.
func (t *TokenIssuer) Validate(token, packageID string) TokenCheck {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return t.now().UTC() }),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return TokenCheck{Reason: TokenReasonInvalidFormat}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return TokenCheck{Reason: TokenReasonSignatureInvalid}
	case errors.Is(err, jwt.ErrTokenExpired):
		return TokenCheck{Reason: TokenReasonExpired}
	case err != nil || !parsed.Valid:
		return TokenCheck{Reason: TokenReasonInvalidFormat}
	}
	if claims.PackageID != packageID {
		return TokenCheck{Reason: TokenReasonPackageMismatch}
	}
	return TokenCheck{
		OK:        true,
		PackageID: claims.PackageID,
		ConsentID: claims.ConsentID,
		ExpiresAt: claims.ExpiresAt.Time,
	}
}

// TokenError reports a rejected capability with its public reason.
type TokenError struct {
	Reason string
}

func (e *TokenError) Error() string {
	return "packaging: capability token rejected: " + e.Reason
}

// CapabilityURL is the fetch path a buyer or agent redeems a token against.
func CapabilityURL(packageID, token string) string {
	return fmt.Sprintf("/api/data-packages/%s?access_token=%s", packageID, url.QueryEscape(token))
}
