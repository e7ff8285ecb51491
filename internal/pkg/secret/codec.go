// Package secret provides the symmetric encryption and one-way hashing
// primitives used by the credential store.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the minimum master key length in bytes.
const KeySize = 32

// ErrCorrupt signals that a ciphertext failed authentication: either it
// was tampered with or it was encrypted under a different master key.
// It is fatal for the operation that hit it, not for the process.
var ErrCorrupt = errors.New("secret: ciphertext failed authentication")

// Codec performs AES-256-GCM encryption of credential secrets. It is
// constructed once at startup from the process-wide master key and
// passed explicitly to the store; the key itself is never retained.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from the master key. The key must be at least
// KeySize bytes; only the first KeySize bytes are used.
func NewCodec(masterKey []byte) (*Codec, error) {
	if len(masterKey) < KeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", KeySize, len(masterKey))
	}

	block, err := aes.NewCipher(masterKey[:KeySize])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under the master key. The random nonce is
// prepended to the sealed bytes and the whole blob is base64-encoded
// for storage in an opaque text column.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any failure (bad
// encoding, truncation, tampering, wrong key) is reported as ErrCorrupt
// without further detail.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrCorrupt
	}

	nonceSize := c.aead.NonceSize()
	if len(blob) < nonceSize {
		return "", ErrCorrupt
	}

	plaintext, err := c.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return "", ErrCorrupt
	}

	return string(plaintext), nil
}

// Hash returns the deterministic SHA-256 hex digest of a token. Bearer
// tokens are stored and looked up by this digest only; there is no
// reversal path.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Mask renders a secret for display: provider label plus the last four
// characters. This is the only form a read API may return.
func Mask(label, plaintext string) string {
	tail := plaintext
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return fmt.Sprintf("%s:****%s", label, tail)
}
