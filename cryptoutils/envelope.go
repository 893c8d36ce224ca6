package cryptoutils

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrNotSealed is returned by Open for content without the envelope header.
	ErrNotSealed = errors.New("content is not sealed")
	// ErrDecrypt is returned when a sealed object fails authentication.
	ErrDecrypt = errors.New("failed to open sealed content")
)

var magic = []byte("MCG1")

var kdfSalt = []byte("multicloud-gateway/envelope/v1")

// Envelope seals and opens object content with one symmetric key.
type Envelope struct {
	key []byte
}

// NewEnvelope parses key as base64 or hex encoded 32 bytes; any other
// non-empty value is treated as a passphrase.
func NewEnvelope(key string) (*Envelope, error) {
	if key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == chacha20poly1305.KeySize {
		return &Envelope{key: raw}, nil
	}
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == chacha20poly1305.KeySize {
		return &Envelope{key: raw}, nil
	}
	return &Envelope{key: argon2.IDKey([]byte(key), kdfSalt, 1, 64*1024, 4, chacha20poly1305.KeySize)}, nil
}

// Seal encrypts plaintext bound to path.
func (e *Envelope) Seal(path string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(magic)+aead.NonceSize(), len(magic)+aead.NonceSize()+len(plaintext)+aead.Overhead())
	copy(out, magic)
	nonce := out[len(magic):]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, []byte(path)), nil
}

// Open decrypts content sealed for path. Content without the envelope header
// returns ErrNotSealed.
func (e *Envelope) Open(path string, sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, err
	}

	rest := sealed[len(magic):]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(path))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// IsSealed reports whether content carries the envelope header.
func IsSealed(content []byte) bool {
	return bytes.HasPrefix(content, magic)
}
