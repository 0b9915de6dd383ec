package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/keystore"
	"github.com/licenseforge/licenseforge/internal/licensing/license"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
	"github.com/licenseforge/licenseforge/internal/licensing/scope"
	"github.com/licenseforge/licenseforge/internal/licensing/usage"
)

// --- license.Repository mock, the same shape license/service_test.go uses ---

type mockLicenseRepo struct {
	byID map[uuid.UUID]*license.License
}

func newMockLicenseRepo() *mockLicenseRepo {
	return &mockLicenseRepo{byID: make(map[uuid.UUID]*license.License)}
}

func (m *mockLicenseRepo) Create(ctx context.Context, lic *license.License) error {
	m.byID[lic.ID] = lic
	return nil
}
func (m *mockLicenseRepo) FindByID(ctx context.Context, id uuid.UUID) (*license.License, error) {
	lic, ok := m.byID[id]
	if !ok {
		return nil, licenseerr.ErrLicenseNotFound
	}
	return lic, nil
}
func (m *mockLicenseRepo) FindByKeyHash(ctx context.Context, keyHash []byte) (*license.License, error) {
	return nil, licenseerr.ErrLicenseNotFound
}
func (m *mockLicenseRepo) LockByID(ctx context.Context, id uuid.UUID) (*license.License, error) {
	return m.FindByID(ctx, id)
}
func (m *mockLicenseRepo) Update(ctx context.Context, lic *license.License) error {
	m.byID[lic.ID] = lic
	return nil
}
func (m *mockLicenseRepo) InsertRenewal(ctx context.Context, r *license.Renewal) error { return nil }
func (m *mockLicenseRepo) ListExpiringActive(ctx context.Context, before time.Time) ([]*license.License, error) {
	var out []*license.License
	for _, lic := range m.byID {
		if lic.Status == license.StatusActive && lic.ExpiresAt != nil && lic.ExpiresAt.Before(before) {
			out = append(out, lic)
		}
	}
	return out, nil
}
func (m *mockLicenseRepo) ListGrace(ctx context.Context) ([]*license.License, error) {
	var out []*license.License
	for _, lic := range m.byID {
		if lic.Status == license.StatusGrace {
			out = append(out, lic)
		}
	}
	return out, nil
}
func (m *mockLicenseRepo) ListUsable(ctx context.Context) ([]*license.License, error) {
	var out []*license.License
	for _, lic := range m.byID {
		if lic.IsUsable() {
			out = append(out, lic)
		}
	}
	return out, nil
}
func (m *mockLicenseRepo) WithTx(ctx context.Context, fn func(ctx context.Context, repo license.Repository) error) error {
	return fn(ctx, m)
}
func (m *mockLicenseRepo) Audit() audit.Repository { return &mockAuditRepository{} }

// --- usage.Store/Tx mock ---

type mockUsageStore struct {
	usages map[uuid.UUID]*usage.Usage
}

func newMockUsageStore() *mockUsageStore {
	return &mockUsageStore{usages: make(map[uuid.UUID]*usage.Usage)}
}

func (s *mockUsageStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx usage.Tx) error) error {
	return fn(ctx, &mockUsageTx{s: s})
}
func (s *mockUsageStore) ReadOnly(ctx context.Context, fn func(ctx context.Context, tx usage.Tx) error) error {
	return fn(ctx, &mockUsageTx{s: s})
}

type mockUsageTx struct{ s *mockUsageStore }

func (t *mockUsageTx) LockLicense(ctx context.Context, id uuid.UUID) (*license.License, error) {
	return nil, licenseerr.ErrLicenseNotFound
}
func (t *mockUsageTx) FindActiveByFingerprint(ctx context.Context, licenseID uuid.UUID, fp string, global bool) (*usage.Usage, error) {
	return nil, usage.ErrUsageNotFound
}
func (t *mockUsageTx) CountActive(ctx context.Context, licenseID uuid.UUID) (int64, error) {
	return 0, nil
}
func (t *mockUsageTx) OldestActive(ctx context.Context, licenseID uuid.UUID) (*usage.Usage, error) {
	return nil, usage.ErrUsageNotFound
}
func (t *mockUsageTx) ListActiveByLicense(ctx context.Context, licenseID uuid.UUID) ([]*usage.Usage, error) {
	var out []*usage.Usage
	for _, u := range t.s.usages {
		if u.LicenseID == licenseID && u.Status == usage.StatusActive {
			out = append(out, u)
		}
	}
	return out, nil
}
func (t *mockUsageTx) Insert(ctx context.Context, u *usage.Usage) error {
	t.s.usages[u.ID] = u
	return nil
}
func (t *mockUsageTx) Update(ctx context.Context, u *usage.Usage) error {
	t.s.usages[u.ID] = u
	return nil
}
func (t *mockUsageTx) FindByID(ctx context.Context, id uuid.UUID) (*usage.Usage, error) {
	u, ok := t.s.usages[id]
	if !ok {
		return nil, usage.ErrUsageNotFound
	}
	return u, nil
}
func (t *mockUsageTx) Audit() audit.Repository { return &mockAuditRepository{} }

// --- scope.Repository mock: no scope ever needs rotation in these tests ---

type mockScopeRepo struct {
	byID map[uuid.UUID]*scope.Scope
}

func newMockScopeRepo() *mockScopeRepo {
	return &mockScopeRepo{byID: make(map[uuid.UUID]*scope.Scope)}
}

func (m *mockScopeRepo) Create(ctx context.Context, s *scope.Scope) error {
	m.byID[s.ID] = s
	return nil
}
func (m *mockScopeRepo) FindByID(ctx context.Context, id uuid.UUID) (*scope.Scope, error) {
	s, ok := m.byID[id]
	if !ok {
		return nil, licenseerr.ErrScopeNotFound
	}
	return s, nil
}
func (m *mockScopeRepo) FindBySlug(ctx context.Context, slug string) (*scope.Scope, error) {
	return nil, licenseerr.ErrScopeNotFound
}
func (m *mockScopeRepo) LockByID(ctx context.Context, id uuid.UUID) (*scope.Scope, error) {
	return m.FindByID(ctx, id)
}
func (m *mockScopeRepo) Update(ctx context.Context, s *scope.Scope) error {
	m.byID[s.ID] = s
	return nil
}
func (m *mockScopeRepo) ListNeedingRotation(ctx context.Context, now time.Time) ([]*scope.Scope, error) {
	return nil, nil
}
func (m *mockScopeRepo) WithTx(ctx context.Context, fn func(ctx context.Context, repo scope.Repository) error) error {
	return fn(ctx, m)
}
func (m *mockScopeRepo) Audit() audit.Repository   { return &mockAuditRepository{} }
func (m *mockScopeRepo) Keys() keystore.Repository { return nil }

// --- shared audit mock ---

type mockAuditRepository struct {
	entries []*audit.Entry
	nextID  int64
}

func (m *mockAuditRepository) Tail(ctx context.Context) (*audit.Entry, error) {
	if len(m.entries) == 0 {
		return nil, nil
	}
	return m.entries[len(m.entries)-1], nil
}
func (m *mockAuditRepository) Insert(ctx context.Context, entry *audit.Entry) error {
	m.nextID++
	entry.ID = m.nextID
	m.entries = append(m.entries, entry)
	return nil
}
func (m *mockAuditRepository) Range(ctx context.Context, fromID, toID int64) ([]*audit.Entry, error) {
	return m.entries, nil
}
func (m *mockAuditRepository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (m *mockAuditRepository) WithTx(ctx context.Context, fn func(ctx context.Context, repo audit.Repository) error) error {
	return fn(ctx, m)
}

func newTestSweeper(lr *mockLicenseRepo, us *mockUsageStore, sr *mockScopeRepo) *Sweeper {
	auditLog := audit.New(&mockAuditRepository{}, true)
	licSvc := license.New(lr, auditLog, nil)
	usageReg := usage.New(us, auditLog, nil)
	scopeMgr := scope.New(sr, nil, nil, auditLog)
	defaults := license.Defaults{
		OverLimitPolicy:          license.OverLimitReject,
		GraceDays:                14,
		InactivityAutoRevokeDays: 90,
		FingerprintUniqueness:    license.UniquenessPerLicense,
		TokenTTLDays:             7,
		ForceOnlineAfterDays:     30,
		ClockSkewSeconds:         60,
	}
	return New(licSvc, usageReg, scopeMgr, defaults, nil)
}

func TestExpirationSweepMovesActiveToGrace(t *testing.T) {
	lr := newMockLicenseRepo()
	now := time.Now()
	past := now.Add(-time.Hour)

	id := uuid.Must(uuid.NewV7())
	lr.byID[id] = &license.License{ID: id, Status: license.StatusActive, ExpiresAt: &past, MaxUsages: -1}

	s := newTestSweeper(lr, newMockUsageStore(), newMockScopeRepo())
	result, err := s.ExpirationSweep(context.Background(), now)
	if err != nil {
		t.Fatalf("ExpirationSweep() error = %v", err)
	}
	if result.TransitionedToGrace != 1 {
		t.Fatalf("ExpirationSweep() TransitionedToGrace = %d, want 1", result.TransitionedToGrace)
	}
	if lr.byID[id].Status != license.StatusGrace {
		t.Fatalf("license status = %v, want Grace", lr.byID[id].Status)
	}
}

func TestExpirationSweepExpiresGraceAndRevokesUsages(t *testing.T) {
	lr := newMockLicenseRepo()
	us := newMockUsageStore()
	now := time.Now()
	expiresAt := now.Add(-20 * 24 * time.Hour) // 20 days ago, grace is 14 days

	licID := uuid.Must(uuid.NewV7())
	lr.byID[licID] = &license.License{ID: licID, Status: license.StatusGrace, ExpiresAt: &expiresAt, MaxUsages: -1}

	usageID := uuid.Must(uuid.NewV7())
	us.usages[usageID] = &usage.Usage{ID: usageID, LicenseID: licID, Fingerprint: "fp-a", Status: usage.StatusActive, LastSeenAt: now}

	s := newTestSweeper(lr, us, newMockScopeRepo())
	result, err := s.ExpirationSweep(context.Background(), now)
	if err != nil {
		t.Fatalf("ExpirationSweep() error = %v", err)
	}
	if result.TransitionedToExpired != 1 {
		t.Fatalf("ExpirationSweep() TransitionedToExpired = %d, want 1", result.TransitionedToExpired)
	}
	if lr.byID[licID].Status != license.StatusExpired {
		t.Fatalf("license status = %v, want Expired", lr.byID[licID].Status)
	}
	if us.usages[usageID].Status != usage.StatusRevoked {
		t.Fatalf("usage status = %v, want Revoked", us.usages[usageID].Status)
	}
}

func TestExpirationSweepLeavesFreshGraceAlone(t *testing.T) {
	lr := newMockLicenseRepo()
	now := time.Now()
	expiresAt := now.Add(-1 * time.Hour) // in grace, nowhere near 14 days elapsed

	licID := uuid.Must(uuid.NewV7())
	lr.byID[licID] = &license.License{ID: licID, Status: license.StatusGrace, ExpiresAt: &expiresAt, MaxUsages: -1}

	s := newTestSweeper(lr, newMockUsageStore(), newMockScopeRepo())
	result, err := s.ExpirationSweep(context.Background(), now)
	if err != nil {
		t.Fatalf("ExpirationSweep() error = %v", err)
	}
	if result.TransitionedToExpired != 0 {
		t.Fatalf("ExpirationSweep() TransitionedToExpired = %d, want 0", result.TransitionedToExpired)
	}
	if lr.byID[licID].Status != license.StatusGrace {
		t.Fatalf("license status = %v, want unchanged Grace", lr.byID[licID].Status)
	}
}

func TestInactivityRevocationRevokesStaleUsages(t *testing.T) {
	lr := newMockLicenseRepo()
	us := newMockUsageStore()
	now := time.Now()

	licID := uuid.Must(uuid.NewV7())
	lr.byID[licID] = &license.License{ID: licID, Status: license.StatusActive, MaxUsages: -1}

	staleID := uuid.Must(uuid.NewV7())
	us.usages[staleID] = &usage.Usage{ID: staleID, LicenseID: licID, Fingerprint: "stale", Status: usage.StatusActive, LastSeenAt: now.Add(-200 * 24 * time.Hour)}
	freshID := uuid.Must(uuid.NewV7())
	us.usages[freshID] = &usage.Usage{ID: freshID, LicenseID: licID, Fingerprint: "fresh", Status: usage.StatusActive, LastSeenAt: now}

	s := newTestSweeper(lr, us, newMockScopeRepo())
	result, err := s.InactivityRevocation(context.Background(), now)
	if err != nil {
		t.Fatalf("InactivityRevocation() error = %v", err)
	}
	if result.UsagesRevoked != 1 {
		t.Fatalf("InactivityRevocation() UsagesRevoked = %d, want 1", result.UsagesRevoked)
	}
	if us.usages[staleID].Status != usage.StatusRevoked {
		t.Fatalf("stale usage status = %v, want Revoked", us.usages[staleID].Status)
	}
	if us.usages[freshID].Status != usage.StatusActive {
		t.Fatalf("fresh usage status = %v, want unchanged Active", us.usages[freshID].Status)
	}
}

func TestScopeRotationNoScopesDue(t *testing.T) {
	s := newTestSweeper(newMockLicenseRepo(), newMockUsageStore(), newMockScopeRepo())
	result, err := s.ScopeRotation(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ScopeRotation() error = %v", err)
	}
	if len(result.ScopesRotated) != 0 {
		t.Fatalf("ScopeRotation() rotated %d scopes, want 0", len(result.ScopesRotated))
	}
}
