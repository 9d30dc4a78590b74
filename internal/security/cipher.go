// Package security implements the crypto surface shared by the courier
// services: authenticated body encryption, salted sender hashing, password
// hashing, and signed portal tokens. Key material is read once at startup
// from restricted-permission files.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
)

// BodyKeySize is the required AES-256 key length in bytes.
const BodyKeySize = 32

// bodyKeyVersion is recorded with every ciphertext row so a future key
// rotation can decrypt old bodies with the right key.
const bodyKeyVersion = 1

// ErrInvalidCiphertext is returned when a ciphertext fails authentication or
// is too short to contain a nonce. Never conflated with a missing record.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// BodyCipher encrypts and decrypts message bodies with AES-256-GCM.
// The random 96-bit nonce is prepended to the sealed output.
type BodyCipher struct {
	aead    cipher.AEAD
	version int
}

// NewBodyCipher builds a cipher from a raw 32-byte key.
func NewBodyCipher(key []byte) (*BodyCipher, error) {
	if len(key) != BodyKeySize {
		return nil, fmt.Errorf("body key must be %d bytes, got %d", BodyKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &BodyCipher{aead: aead, version: bodyKeyVersion}, nil
}

// NewBodyCipherFromFile reads the key file and builds a cipher.
// The file must hold exactly 32 bytes and must not be group- or
// world-readable; violations abort startup.
func NewBodyCipherFromFile(path string) (*BodyCipher, error) {
	key, err := ReadSecretFile(path, BodyKeySize)
	if err != nil {
		return nil, fmt.Errorf("body key: %w", err)
	}
	return NewBodyCipher(key)
}

// Version returns the key version recorded alongside ciphertexts.
func (c *BodyCipher) Version() int { return c.version }

// Encrypt seals plaintext and returns nonce||ciphertext.
func (c *BodyCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce||ciphertext. Tampered or truncated input yields
// ErrInvalidCiphertext.
func (c *BodyCipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < c.aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// ReadSecretFile reads a key file, rejecting group/world-accessible modes
// and contents shorter than minBytes. Trailing newlines are not trimmed:
// key files are raw bytes.
func ReadSecretFile(path string, minBytes int) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%s is accessible by group/other (mode %04o); refusing to load", path, info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < minBytes {
		return nil, fmt.Errorf("%s holds %d bytes, need at least %d", path, len(data), minBytes)
	}
	return data, nil
}
