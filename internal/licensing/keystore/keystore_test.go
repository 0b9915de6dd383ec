package keystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/cryptoutil"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

type mockRepository struct {
	byKid     map[string]*Key
	auditRepo audit.Repository
}

func newMockRepository() *mockRepository {
	return &mockRepository{byKid: make(map[string]*Key)}
}

func (m *mockRepository) Create(ctx context.Context, key *Key) error {
	now := time.Now()
	key.CreatedAt, key.UpdatedAt = now, now
	m.byKid[key.Kid] = key
	return nil
}

func (m *mockRepository) FindByKid(ctx context.Context, kid string) (*Key, error) {
	k, ok := m.byKid[kid]
	if !ok {
		return nil, licenseerr.ErrKeyNotFound
	}
	return k, nil
}

func (m *mockRepository) FindActiveRoot(ctx context.Context) (*Key, error) {
	for _, k := range m.byKid {
		if k.Type == TypeRoot && k.Status == StatusActive {
			return k, nil
		}
	}
	return nil, licenseerr.ErrKeyNotFound
}

func (m *mockRepository) FindActiveSigning(ctx context.Context, scopeID *uuid.UUID) (*Key, error) {
	for _, k := range m.byKid {
		if k.Type != TypeSigning || k.Status != StatusActive {
			continue
		}
		if scopeID == nil && k.ScopeID == nil {
			return k, nil
		}
		if scopeID != nil && k.ScopeID != nil && *k.ScopeID == *scopeID {
			return k, nil
		}
	}
	return nil, licenseerr.ErrKeyNotFound
}

func (m *mockRepository) LockByKid(ctx context.Context, kid string) (*Key, error) {
	return m.FindByKid(ctx, kid)
}

func (m *mockRepository) Update(ctx context.Context, key *Key) error {
	key.UpdatedAt = time.Now()
	m.byKid[key.Kid] = key
	return nil
}

func (m *mockRepository) ListByScope(ctx context.Context, scopeID *uuid.UUID) ([]*Key, error) {
	var out []*Key
	for _, k := range m.byKid {
		if scopeID == nil && k.ScopeID == nil {
			out = append(out, k)
		} else if scopeID != nil && k.ScopeID != nil && *k.ScopeID == *scopeID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *mockRepository) ListAll(ctx context.Context) ([]*Key, error) {
	var out []*Key
	for _, k := range m.byKid {
		out = append(out, k)
	}
	return out, nil
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) Audit() audit.Repository {
	return m.auditRepo
}

func TestCreateRequiresPassphrase(t *testing.T) {
	repo := newMockRepository()
	store := New(repo, cryptoutil.NewPassphraseCache(), "test", nil)

	_, err := store.Create(context.Background(), TypeRoot, nil, time.Now(), nil)
	if !errors.Is(err, licenseerr.ErrKeystorePassphraseMissing) {
		t.Fatalf("Create() error = %v, want ErrKeystorePassphraseMissing", err)
	}
}

func TestCreateAndFindActiveRoot(t *testing.T) {
	repo := newMockRepository()
	pass := cryptoutil.NewPassphraseCache()
	pass.Set("root-passphrase")
	store := New(repo, pass, "test", nil)

	key, err := store.Create(context.Background(), TypeRoot, nil, time.Now(), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	found, err := store.FindActiveRoot(context.Background())
	if err != nil {
		t.Fatalf("FindActiveRoot() error = %v", err)
	}
	if found.Kid != key.Kid {
		t.Fatalf("FindActiveRoot() = %q, want %q", found.Kid, key.Kid)
	}
}

func TestFindActiveSigningFallsBackToGlobal(t *testing.T) {
	repo := newMockRepository()
	pass := cryptoutil.NewPassphraseCache()
	pass.Set("passphrase")
	store := New(repo, pass, "test", nil)

	global, err := store.Create(context.Background(), TypeSigning, nil, time.Now(), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	scopeID := uuid.Must(uuid.NewV7())
	found, err := store.FindActiveSigning(context.Background(), &scopeID, true)
	if err != nil {
		t.Fatalf("FindActiveSigning() error = %v", err)
	}
	if found.Kid != global.Kid {
		t.Fatalf("FindActiveSigning() = %q, want fallback to global key %q", found.Kid, global.Kid)
	}

	_, err = store.FindActiveSigning(context.Background(), &scopeID, false)
	if !errors.Is(err, licenseerr.ErrKeyNotFound) {
		t.Fatalf("FindActiveSigning() without fallback error = %v, want ErrKeyNotFound", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	repo := newMockRepository()
	pass := cryptoutil.NewPassphraseCache()
	pass.Set("passphrase")
	store := New(repo, pass, "test", nil)

	key, _ := store.Create(context.Background(), TypeRoot, nil, time.Now(), nil)

	at := time.Now()
	revoked, err := store.Revoke(context.Background(), key.Kid, "compromised", at)
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if revoked.Status != StatusRevoked {
		t.Fatalf("Revoke() status = %v, want Revoked", revoked.Status)
	}

	again, err := store.Revoke(context.Background(), key.Kid, "routine", at.Add(time.Hour))
	if err != nil {
		t.Fatalf("second Revoke() error = %v", err)
	}
	if again.RevokedReason != "compromised" {
		t.Fatalf("second Revoke() overwrote reason: got %q, want %q (idempotent)", again.RevokedReason, "compromised")
	}
}

func TestIsActiveAt(t *testing.T) {
	now := time.Now()
	until := now.Add(time.Hour)
	k := &Key{Status: StatusActive, ValidFrom: now.Add(-time.Hour), ValidUntil: &until}

	if !k.IsActiveAt(now) {
		t.Fatal("IsActiveAt(now) = false, want true within validity window")
	}
	if k.IsActiveAt(until.Add(time.Second)) {
		t.Fatal("IsActiveAt(past valid_until) = true, want false")
	}

	k.Status = StatusRevoked
	if k.IsActiveAt(now) {
		t.Fatal("IsActiveAt(revoked key) = true, want false")
	}
}
