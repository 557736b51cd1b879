// Package credstore encrypts, persists and retrieves per-connection secrets.
// Credential maps are serialized to JSON and sealed with AES-256-GCM; the
// key comes from configuration and never leaves this package.
package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

// Service encrypts and stores integration credentials.
type Service struct {
	store store.CredentialStore
	aead  cipher.AEAD
}

// New creates a credential service. The key material is hashed to a 32-byte
// AES-256 key, so any non-empty secret works.
func New(credStore store.CredentialStore, key string) (*Service, error) {
	if key == "" {
		return nil, fmt.Errorf("credstore: encryption key is required")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("credstore: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credstore: gcm init: %w", err)
	}
	return &Service{store: credStore, aead: aead}, nil
}

// Encrypt seals a credential map. The nonce is prepended to the ciphertext.
func (s *Service) Encrypt(credentials map[string]any) ([]byte, error) {
	plain, err := json.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("credstore: marshal: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credstore: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens a sealed credential blob.
func (s *Service) Decrypt(blob []byte) (map[string]any, error) {
	ns := s.aead.NonceSize()
	if len(blob) < ns {
		return nil, fmt.Errorf("credstore: blob too short")
	}
	plain, err := s.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("credstore: open: %w", err)
	}
	var credentials map[string]any
	if err := json.Unmarshal(plain, &credentials); err != nil {
		return nil, fmt.Errorf("credstore: unmarshal: %w", err)
	}
	return credentials, nil
}

// Create encrypts and persists a new credential row.
func (s *Service) Create(ctx context.Context, orgID, shortName string, method models.AuthMethod, oauthType models.OAuthType, credentials map[string]any) (*models.IntegrationCredential, error) {
	blob, err := s.Encrypt(credentials)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cred := &models.IntegrationCredential{
		ID:                   uuid.NewString(),
		OrganizationID:       orgID,
		IntegrationShortName: shortName,
		AuthMethod:           method,
		OAuthType:            oauthType,
		EncryptedCredentials: blob,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("credstore: persist: %w", err)
	}
	return cred, nil
}

// Get decrypts the credential map for the given credential id.
func (s *Service) Get(ctx context.Context, id string) (map[string]any, error) {
	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Decrypt(cred.EncryptedCredentials)
}

// Update re-encrypts and persists the credential map in place.
func (s *Service) Update(ctx context.Context, id string, credentials map[string]any) error {
	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	blob, err := s.Encrypt(credentials)
	if err != nil {
		return err
	}
	cred.EncryptedCredentials = blob
	return s.store.UpdateCredential(ctx, cred)
}

// Delete removes the credential row. Missing rows are not an error: delete
// cascades are best-effort.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteCredential(ctx, id)
}
