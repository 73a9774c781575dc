package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var ErrEmptyKey = errors.New("crypto: signing key must not be empty")

// HMACSigner signs and verifies export bundle hashes with HMAC-SHA256.
// The export signing key is distinct from the capability token key and the
// session key; they must never be conflated.
type HMACSigner struct {
	key []byte
}

func NewHMACSigner(key []byte) (*HMACSigner, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return &HMACSigner{key: key}, nil
}

// Sign returns the hex HMAC-SHA256 of data.
func (s *HMACSigner) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the HMAC and compares in constant time.
func (s *HMACSigner) Verify(data []byte, signatureHex string) bool {
	expected, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), expected)
}
