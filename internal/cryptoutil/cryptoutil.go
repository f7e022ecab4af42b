// Package cryptoutil implements the small set of symmetric primitives the
// attachment pipeline needs: explicit-key AES-GCM and content hashing. Key
// schedule and epoch derivation for MLS-backed attachments belongs to the
// MLS engine, not here — this package only performs the bulk encrypt/
// decrypt once a key and nonce are in hand.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrEmptyPlaintext is returned by HashContent for zero-length input. An
// empty file's hash is never used as a dedup key: every empty attachment
// gets its own upload, since the hash alone carries no content identity.
var ErrEmptyPlaintext = errors.New("cryptoutil: empty plaintext has no reusable hash")

// HashContent returns the lowercase hex SHA-256 digest of plaintext, the
// attachment id used for dedup lookups.
func HashContent(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", ErrEmptyPlaintext
	}
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:]), nil
}

// GenerateKey returns a random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// GenerateNonce returns a random 12-byte GCM nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt seals plaintext under key/nonce with AES-256-GCM.
func Encrypt(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext under key/nonce.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
