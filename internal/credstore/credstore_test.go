package credstore_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/airweave/airweave/internal/credstore"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

func newTestService(t *testing.T) (*credstore.Service, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	svc, err := credstore.New(s, "test-encryption-key")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, s
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	creds := map[string]any{"access_token": "tok-123", "refresh_token": "ref-456"}
	blob, err := svc.Encrypt(creds)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(blob, []byte("tok-123")) {
		t.Error("ciphertext contains plaintext token")
	}

	got, err := svc.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got["access_token"] != "tok-123" {
		t.Errorf("Decrypt()[access_token] = %v, want tok-123", got["access_token"])
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	svc, _ := newTestService(t)

	creds := map[string]any{"api_key": "k"}
	a, _ := svc.Encrypt(creds)
	b, _ := svc.Encrypt(creds)
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same map produced identical blobs (nonce reuse?)")
	}
}

func TestCreateAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cred, err := svc.Create(ctx, "org-1", "notion", models.AuthMethodOAuthToken, models.OAuthTypeRotatingRefresh, map[string]any{"access_token": "a"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if cred.IntegrationShortName != "notion" {
		t.Errorf("IntegrationShortName = %q, want notion", cred.IntegrationShortName)
	}

	got, err := svc.Get(ctx, cred.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got["access_token"] != "a" {
		t.Errorf("Get()[access_token] = %v, want a", got["access_token"])
	}
}

func TestDecryptTamperedBlobFails(t *testing.T) {
	svc, _ := newTestService(t)

	blob, _ := svc.Encrypt(map[string]any{"x": "y"})
	blob[len(blob)-1] ^= 0xff
	if _, err := svc.Decrypt(blob); err == nil {
		t.Error("Decrypt() of tampered blob succeeded, want error")
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := credstore.New(store.NewMemoryStore(), ""); err == nil {
		t.Error("New() with empty key succeeded, want error")
	}
}
