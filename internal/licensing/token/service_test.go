package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/ca"
	"github.com/licenseforge/licenseforge/internal/licensing/keystore"
	"github.com/licenseforge/licenseforge/internal/licensing/license"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
	"github.com/licenseforge/licenseforge/internal/licensing/usage"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/cryptoutil"
)

func marshalEnvelope(env *ca.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func freshEd25519Pub() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

type mockKeyRepository struct {
	byKid map[string]*keystore.Key
}

func newMockKeyRepository() *mockKeyRepository {
	return &mockKeyRepository{byKid: make(map[string]*keystore.Key)}
}

func (m *mockKeyRepository) Create(ctx context.Context, key *keystore.Key) error {
	now := time.Now()
	key.CreatedAt, key.UpdatedAt = now, now
	m.byKid[key.Kid] = key
	return nil
}

func (m *mockKeyRepository) FindByKid(ctx context.Context, kid string) (*keystore.Key, error) {
	k, ok := m.byKid[kid]
	if !ok {
		return nil, licenseerr.ErrKeyNotFound
	}
	return k, nil
}

func (m *mockKeyRepository) FindActiveRoot(ctx context.Context) (*keystore.Key, error) {
	for _, k := range m.byKid {
		if k.Type == keystore.TypeRoot && k.Status == keystore.StatusActive {
			return k, nil
		}
	}
	return nil, licenseerr.ErrKeyNotFound
}

func (m *mockKeyRepository) FindActiveSigning(ctx context.Context, scopeID *uuid.UUID) (*keystore.Key, error) {
	for _, k := range m.byKid {
		if k.Type != keystore.TypeSigning || k.Status != keystore.StatusActive {
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

func (m *mockKeyRepository) LockByKid(ctx context.Context, kid string) (*keystore.Key, error) {
	return m.FindByKid(ctx, kid)
}

func (m *mockKeyRepository) Update(ctx context.Context, key *keystore.Key) error {
	key.UpdatedAt = time.Now()
	m.byKid[key.Kid] = key
	return nil
}

func (m *mockKeyRepository) ListByScope(ctx context.Context, scopeID *uuid.UUID) ([]*keystore.Key, error) {
	return nil, nil
}

func (m *mockKeyRepository) ListAll(ctx context.Context) ([]*keystore.Key, error) {
	return nil, nil
}

func (m *mockKeyRepository) WithTx(ctx context.Context, fn func(ctx context.Context, repo keystore.Repository) error) error {
	return fn(ctx, m)
}

func (m *mockKeyRepository) Audit() audit.Repository {
	return nil
}

// testRig wires a keystore.Store and a ca.Authority backed by an in-memory
// repository, with one Active root and one Active global signing key
// already issued and certified, mirroring how cmd/licensectl's buildApp
// wires the real Postgres-backed versions.
type testRig struct {
	store      *keystore.Store
	authority  *ca.Authority
	svc        *Service
	signingKid string
	rootPub    []byte
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	repo := newMockKeyRepository()
	pass := cryptoutil.NewPassphraseCache()
	pass.Set("test-passphrase")
	store := keystore.New(repo, pass, "test", nil)
	authority := ca.New(store, pass)

	ctx := context.Background()
	root, err := store.Create(ctx, keystore.TypeRoot, nil, time.Now().Add(-time.Hour), nil)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}

	signing, err := store.Create(ctx, keystore.TypeSigning, nil, time.Now().Add(-time.Hour), nil)
	if err != nil {
		t.Fatalf("create signing key: %v", err)
	}

	env, err := authority.IssueSigningCertificate(ctx, signing.PublicKey, signing.Kid, time.Now().Add(-time.Hour), nil, nil, nil)
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}
	certJSON, err := marshalEnvelope(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	signing.Certificate = certJSON
	if err := repo.Update(ctx, signing); err != nil {
		t.Fatalf("persist certificate: %v", err)
	}

	svc := New(store, authority, "licenseforge")
	return &testRig{store: store, authority: authority, svc: svc, signingKid: signing.Kid, rootPub: root.PublicKey}
}

func testLicenseAndUsage() (*license.License, *usage.Usage, license.ResolvedPolicy) {
	lic := &license.License{
		ID:        uuid.Must(uuid.NewV7()),
		KeyHash:   []byte("key-hash"),
		Status:    license.StatusActive,
		MaxUsages: 5,
	}
	u := &usage.Usage{
		ID:          uuid.Must(uuid.NewV7()),
		LicenseID:   lic.ID,
		Fingerprint: "device-abc",
		Status:      usage.StatusActive,
	}
	policy := license.ResolvedPolicy{TokenTTLDays: 30}
	return lic, u, policy
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	lic, u, policy := testLicenseAndUsage()
	now := time.Now()

	tok, err := rig.svc.Issue(context.Background(), lic, u, policy, nil, now)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := rig.svc.Verify(context.Background(), tok, VerifyOptions{Now: now})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.LicenseID != lic.ID.String() {
		t.Fatalf("claims.LicenseID = %q, want %q", claims.LicenseID, lic.ID.String())
	}
	if claims.UsageFingerprint != u.Fingerprint {
		t.Fatalf("claims.UsageFingerprint = %q, want %q", claims.UsageFingerprint, u.Fingerprint)
	}
	wantTTL := 30 * 24 * time.Hour
	gotTTL := claims.Expiration.Sub(claims.IssuedAt)
	if gotTTL != wantTTL {
		t.Fatalf("exp - iat = %v, want %v", gotTTL, wantTTL)
	}
}

func TestVerifyFailsAfterSigningKeyRevoked(t *testing.T) {
	rig := newTestRig(t)
	lic, u, policy := testLicenseAndUsage()
	now := time.Now()

	tok, err := rig.svc.Issue(context.Background(), lic, u, policy, nil, now)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := rig.store.Revoke(context.Background(), rig.signingKid, "compromised", now); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	_, err = rig.svc.Verify(context.Background(), tok, VerifyOptions{Now: now})
	if !errors.Is(err, licenseerr.ErrSigningKeyRevoked) {
		t.Fatalf("Verify() after revocation error = %v, want ErrSigningKeyRevoked", err)
	}
}

func TestVerifyClockSkewBoundary(t *testing.T) {
	rig := newTestRig(t)
	lic, u, policy := testLicenseAndUsage()
	now := time.Now()

	tok, err := rig.svc.Issue(context.Background(), lic, u, policy, nil, now)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	skew := 5 * time.Second

	// Verifier clock lags issuance by just under the tolerated skew: passes.
	okOpts := VerifyOptions{Now: now.Add(-(skew - time.Second)), ClockSkew: skew}
	if _, err := rig.svc.Verify(context.Background(), tok, okOpts); err != nil {
		t.Fatalf("Verify() within skew tolerance error = %v, want nil", err)
	}

	// Verifier clock lags by more than the tolerated skew: fails nbf/iat check.
	failOpts := VerifyOptions{Now: now.Add(-(skew + time.Second)), ClockSkew: skew}
	if _, err := rig.svc.Verify(context.Background(), tok, failOpts); err == nil {
		t.Fatal("Verify() beyond skew tolerance error = nil, want error")
	}
}

func TestVerifyOfflineRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	lic, u, policy := testLicenseAndUsage()
	now := time.Now()

	tok, err := rig.svc.Issue(context.Background(), lic, u, policy, nil, now)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := rig.svc.VerifyOffline(tok, rig.rootPub, VerifyOptions{Now: now})
	if err != nil {
		t.Fatalf("VerifyOffline() error = %v", err)
	}
	if claims.LicenseID != lic.ID.String() {
		t.Fatalf("claims.LicenseID = %q, want %q", claims.LicenseID, lic.ID.String())
	}
}

func TestVerifyOfflineRejectsUntrustedRoot(t *testing.T) {
	rig := newTestRig(t)
	lic, u, policy := testLicenseAndUsage()
	now := time.Now()

	tok, err := rig.svc.Issue(context.Background(), lic, u, policy, nil, now)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	otherPub, _, err := freshEd25519Pub()
	if err != nil {
		t.Fatalf("generate unrelated root key: %v", err)
	}

	_, err = rig.svc.VerifyOffline(tok, otherPub, VerifyOptions{Now: now})
	if !errors.Is(err, licenseerr.ErrCertificateInvalid) {
		t.Fatalf("VerifyOffline() with untrusted root error = %v, want ErrCertificateInvalid", err)
	}
}
