package packaging

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
)

// ErrDecrypt marks content that fails authenticated decryption: a wrong
// key, a truncated blob, or tampering.
var ErrDecrypt = errors.New("packaging: content decrypt failed")

// ContentCipher encrypts package content at rest with AES-256-GCM. The key
// is derived from the data encryption secret under the package-content
// salt, never shared with token signing.
type ContentCipher struct {
	aead cipher.AEAD
}

// NewContentCipher derives the content key and prepares the AEAD.
func NewContentCipher(secret string) (*ContentCipher, error) {
	block, err := aes.NewCipher(crypto.DeriveKey(secret, crypto.SaltPackageContent))
	if err != nil {
		return nil, fmt.Errorf("packaging: creating content cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("packaging: creating GCM: %w", err)
	}
	return &ContentCipher{aead: aead}, nil
}

// Encrypt seals plaintext into base64(nonce || ciphertext).
func (c *ContentCipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("packaging: generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure is ErrDecrypt; the
// cause is not distinguished to callers.
func (c *ContentCipher) Decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(data) < c.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, sealed := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
