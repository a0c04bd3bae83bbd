// Package secrets generates deployment credentials and seals configuration documents at rest.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"filippo.io/age"
)

var (
	// ErrInvalidKey is returned when an age key cannot be parsed.
	ErrInvalidKey = errors.New("invalid key format")
	// ErrSealFailed is returned when encryption fails.
	ErrSealFailed = errors.New("seal failed")
	// ErrOpenFailed is returned when decryption fails.
	ErrOpenFailed = errors.New("open failed")
)

// Sealer encrypts stored configuration documents.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// NopSealer stores documents as-is.
type NopSealer struct{}

// Seal returns plaintext unchanged.
func (NopSealer) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }

// Open returns ciphertext unchanged.
func (NopSealer) Open(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

// AgeSealer seals documents to an X25519 recipient.
type AgeSealer struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
	logger    *slog.Logger
}

// NewAgeSealer parses an age recipient (age1...) and identity (AGE-SECRET-KEY-1...).
func NewAgeSealer(recipient, identity string, logger *slog.Logger) (*AgeSealer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid recipient: %v", ErrInvalidKey, err)
	}
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid identity: %v", ErrInvalidKey, err)
	}
	if id.Recipient().String() != r.String() {
		return nil, fmt.Errorf("%w: identity does not match recipient", ErrInvalidKey)
	}

	return &AgeSealer{recipient: r, identity: id, logger: logger}, nil
}

// Seal encrypts plaintext.
func (s *AgeSealer) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		s.logger.Error("failed to create age encryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	return buf.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal.
func (s *AgeSealer) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		s.logger.Error("failed to create age decryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return plaintext, nil
}

// GenerateKeyPair returns a new age recipient and identity.
func GenerateKeyPair() (recipient, identity string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age key pair: %w", err)
	}
	return id.Recipient().String(), id.String(), nil
}
