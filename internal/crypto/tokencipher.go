// Package crypto provides AES-256-GCM authenticated encryption for the
// credentials this service keeps at rest: SCM OAuth tokens, personal access
// tokens, and provider client secrets. These grant write access to source
// repositories, so they are never stored in the clear and never logged.
// GCM's authenticated mode also guarantees a tampered row fails to decrypt
// instead of yielding silently corrupted token material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize        = 32
	minSaltSize    = 16
	minIterations  = 10000
	kdfIterations  = 100000
)

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when ciphertext fails base64 decoding
	// or is too short to hold a nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when GCM authentication fails, meaning
	// tampering or a wrong key.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when a KDF salt is under 16 bytes.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

// TokenCipher seals and opens credential strings with a single master key.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher builds a cipher from a 32-byte master key.
func NewTokenCipher(masterKey []byte) (*TokenCipher, error) {
	if len(masterKey) != keySize {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// DeriveTokenCipher builds a cipher from a passphrase via PBKDF2-SHA256.
// Iteration counts below the floor are raised to the default.
func DeriveTokenCipher(passphrase string, salt []byte, iterations int) (*TokenCipher, error) {
	if len(salt) < minSaltSize {
		return nil, ErrSaltTooShort
	}
	if iterations < minIterations {
		iterations = kdfIterations
	}
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)
	return NewTokenCipher(key)
}

// Seal encrypts a plaintext credential and returns base64 with the nonce
// prefixed. Empty input stays empty so optional columns round-trip.
func (tc *TokenCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, tc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := tc.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (tc *TokenCipher) Open(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	if len(raw) < tc.aead.NonceSize() {
		return "", ErrCiphertextCorrupted
	}

	nonce, ciphertext := raw[:tc.aead.NonceSize()], raw[tc.aead.NonceSize():]
	plaintext, err := tc.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey produces a random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSalt produces a random KDF salt of at least 16 bytes.
func GenerateSalt(length int) ([]byte, error) {
	if length < minSaltSize {
		length = minSaltSize
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
