// Package secrets decrypts per-tenant exchange credentials. Ciphertexts
// are AES-256-GCM sealed with a per-tenant key; plaintext credentials
// exist only inside the engine process and are never logged or
// persisted.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const keySize = 32

var (
	ErrInvalidKey        = errors.New("secrets: key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("secrets: ciphertext shorter than nonce")
)

// Credentials is the decrypted exchange credential set
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// Keeper seals and opens credential blobs for one tenant
type Keeper struct {
	aead cipher.AEAD
}

// NewKeeper builds a keeper from a 32-byte tenant key
func NewKeeper(key []byte) (*Keeper, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	return &Keeper{aead: aead}, nil
}

// NewKeeperFromBase64 builds a keeper from a base64-encoded key, the
// form keys take in configuration.
func NewKeeperFromBase64(encoded string) (*Keeper, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	return NewKeeper(key)
}

// Seal encrypts credentials into a base64 blob. The nonce is prepended
// to the ciphertext.
func (k *Keeper) Seal(creds Credentials) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("secrets: marshal credentials: %w", err)
	}
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed credential blob
func (k *Keeper) Open(blob string) (Credentials, error) {
	var creds Credentials
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return creds, fmt.Errorf("secrets: decode blob: %w", err)
	}
	ns := k.aead.NonceSize()
	if len(sealed) < ns {
		return creds, ErrCiphertextTooShort
	}
	plaintext, err := k.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return creds, fmt.Errorf("secrets: open: %w", err)
	}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return creds, fmt.Errorf("secrets: unmarshal credentials: %w", err)
	}
	return creds, nil
}

// GenerateKey returns a fresh random tenant key
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	return key, nil
}
