// Package crypto seals credentials kept in the shared token cache. It implements
// AES-256-GCM authenticated encryption; ciphertexts are bound to the cache key they
// were written under, so a row copied to another key fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned when a ciphertext fails authentication. Details are not exposed.
var ErrOpen = errors.New("decryption failed: authentication or integrity check failed")

// Encryptor seals and opens values. Implementations must be AEAD: tampering or a
// mismatched associated-data label must make Open fail.
type Encryptor interface {
	// Seal encrypts plaintext, authenticating label alongside it.
	Seal(plaintext []byte, label string) ([]byte, error)
	// Open verifies and decrypts a value produced by Seal with the same label.
	Open(ciphertext []byte, label string) ([]byte, error)
}

// AESEncryptor implements Encryptor with AES-256-GCM.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key, e.g. from
//
//	openssl rand -base64 32
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
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
	return &AESEncryptor{aead: aead}, nil
}

// Seal returns nonce || ciphertext || tag. The nonce is random per call.
func (e *AESEncryptor) Seal(plaintext []byte, label string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, []byte(label)), nil
}

// Open reverses Seal.
func (e *AESEncryptor) Open(ciphertext []byte, label string) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n+e.aead.Overhead(), len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], []byte(label))
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealString seals plaintext and base64-encodes the result for text columns.
func SealString(enc Encryptor, plaintext, label string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ct, err := enc.Seal([]byte(plaintext), label)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// OpenString decodes and opens a value written by SealString.
func OpenString(enc Encryptor, encoded, label string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := enc.Open(ct, label)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
