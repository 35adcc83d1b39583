// Package crypto seals chat message text at rest. It implements AES-256-GCM
// authenticated encryption and tags every ciphertext with a short key id so
// rows written under an older key can be recognised after rotation.
package crypto

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

// ErrKeyMismatch is returned when a ciphertext was sealed under a different key.
var ErrKeyMismatch = errors.New("ciphertext sealed with a different key")

// Sealer encrypts and decrypts text columns.
type Sealer interface {
	// Seal returns base64 ciphertext suitable for a TEXT column.
	Seal(plaintext string) (string, error)
	// Open reverses Seal, verifying integrity.
	Open(sealed string) (string, error)
	// KeyID identifies the key used by Seal.
	KeyID() string
}

// AESSealer implements Sealer using AES-256-GCM.
type AESSealer struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESSealer creates a sealer from a base64-encoded 32-byte key
// (generate one with `openssl rand -base64 32`).
func NewAESSealer(base64Key string) (*AESSealer, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESSealer{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID returns the first 4 bytes of the key's SHA-256, hex encoded.
func (s *AESSealer) KeyID() string { return s.keyID }

// Seal encrypts plaintext as nonce || ciphertext || tag, base64 encoded.
// The key id is bound as additional data so a row cannot be opened under another key.
func (s *AESSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(s.keyID))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (s *AESSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return "", fmt.Errorf("ciphertext too short: got %d bytes", len(raw))
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], []byte(s.keyID))
	if err != nil {
		// Don't expose internal error details that might leak information
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}

// OpenWithKeyID opens sealed text after checking the stored key id matches the sealer.
func OpenWithKeyID(s Sealer, sealed, keyID string) (string, error) {
	if keyID != "" && keyID != s.KeyID() {
		return "", fmt.Errorf("%w: stored %s, active %s", ErrKeyMismatch, keyID, s.KeyID())
	}
	return s.Open(sealed)
}
