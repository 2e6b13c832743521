// Package vault seals device credentials at rest. Devices store only the
// sealed blob; the registry unseals immediately before building an adapter
// and the plaintext is never logged or persisted elsewhere.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fibratel/routerpilot/internal/adapter"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// keyInfo binds derived keys to this purpose; rotating it invalidates all
// stored blobs.
const keyInfo = "routerpilot/credentials/v1"

// ErrMasterKeyMissing means the config carries no master key.
var ErrMasterKeyMissing = errors.New("vault master key not configured")

// Vault seals and opens credential blobs with a key derived from the
// configured master key (HKDF-SHA256 into ChaCha20-Poly1305).
type Vault struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// New derives the sealing key from masterKey.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrMasterKeyMissing
	}

	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, []byte(keyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts creds into a blob of nonce || ciphertext.
func (v *Vault) Seal(creds adapter.Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts a blob produced by Seal.
func (v *Vault) Open(blob []byte) (adapter.Credentials, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return adapter.Credentials{}, errors.New("credential blob too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]

	plain, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return adapter.Credentials{}, fmt.Errorf("unseal credentials: %w", err)
	}

	var creds adapter.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return adapter.Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}
