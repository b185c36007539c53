// Package credstore persists the privileged credential, encrypted at
// rest, with atomic get/set/clear semantics shared across concurrent
// operations.
package credstore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"debguard/internal/db"
)

const (
	keySetting        = "credential_key"
	credentialSetting = "credential"
	autoSetting       = "auto_credential_enabled"
)

// Store is the persisted credential interface consumed by operations.
// A rejected credential must be cleared via SaveCredential("") before any
// retry is attempted.
type Store interface {
	GetCredential() (string, error)
	SaveCredential(secret string) error
	IsAutoCredentialEnabled() (bool, error)
	SetAutoCredentialEnabled(enabled bool) error
}

// SQLStore stores the credential in the settings table, sealed with
// XChaCha20-Poly1305 under a key generated on first use.
type SQLStore struct {
	mu   sync.Mutex
	db   *db.DB
	aead cipher.AEAD
}

// New creates a store backed by database, generating the encryption key
// if it does not exist yet.
func New(database *db.DB) (*SQLStore, error) {
	keyB64, err := database.GetSetting(keySetting)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential key: %w", err)
	}

	var key []byte
	if keyB64 == "" {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		if err := database.SetSetting(keySetting, base64.StdEncoding.EncodeToString(key)); err != nil {
			return nil, fmt.Errorf("failed to persist credential key: %w", err)
		}
	} else {
		key, err = base64.StdEncoding.DecodeString(keyB64)
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("stored credential key is corrupt")
		}
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	return &SQLStore{db: database, aead: aead}, nil
}

// GetCredential returns the stored secret, or "" if none is stored. A
// ciphertext that fails to authenticate is purged and treated as absent.
func (s *SQLStore) GetCredential() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.db.GetSetting(credentialSetting)
	if err != nil {
		return "", err
	}
	if sealed == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < s.aead.NonceSize() {
		s.db.DeleteSetting(credentialSetting)
		return "", nil
	}

	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		s.db.DeleteSetting(credentialSetting)
		return "", nil
	}
	return string(plain), nil
}

// SaveCredential stores the secret, or clears it when secret is empty.
func (s *SQLStore) SaveCredential(secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if secret == "" {
		return s.db.DeleteSetting(credentialSetting)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(secret), nil)
	return s.db.SetSetting(credentialSetting, base64.StdEncoding.EncodeToString(sealed))
}

// IsAutoCredentialEnabled reports whether the stored credential may be
// used without prompting.
func (s *SQLStore) IsAutoCredentialEnabled() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := s.db.GetSetting(autoSetting)
	if err != nil {
		return false, err
	}
	return val == "true", nil
}

// SetAutoCredentialEnabled toggles automatic credential use.
func (s *SQLStore) SetAutoCredentialEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := "false"
	if enabled {
		val = "true"
	}
	return s.db.SetSetting(autoSetting, val)
}
