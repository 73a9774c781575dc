package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// Domain-separation salts for derived keys. Each derived key serves exactly
// one purpose; rotating a root secret rotates every key derived from it.
const (
	SaltCapabilityToken = "tavren/capability-token/v1"
	SaltPackageContent  = "tavren/package-content/v1"
	SaltPseudonym       = "tavren/pseudonym/v1"
)

// KDFIterations is the PBKDF2 iteration count.
const KDFIterations = 120_000

// DeriveKey stretches a root secret into a 32-byte purpose-bound key using
// PBKDF2-HMAC-SHA256 with a domain-separation salt.
func DeriveKey(secret, salt string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(salt), KDFIterations, 32, sha256.New)
}
