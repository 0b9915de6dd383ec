package license

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

type mockRepository struct {
	byID      map[uuid.UUID]*License
	auditRepo audit.Repository
}

func newMockRepository() *mockRepository {
	return &mockRepository{byID: make(map[uuid.UUID]*License)}
}

func (m *mockRepository) Create(ctx context.Context, lic *License) error {
	m.byID[lic.ID] = lic
	return nil
}

func (m *mockRepository) FindByID(ctx context.Context, id uuid.UUID) (*License, error) {
	lic, ok := m.byID[id]
	if !ok {
		return nil, licenseerr.ErrLicenseNotFound
	}
	return lic, nil
}

func (m *mockRepository) FindByKeyHash(ctx context.Context, keyHash []byte) (*License, error) {
	for _, lic := range m.byID {
		if string(lic.KeyHash) == string(keyHash) {
			return lic, nil
		}
	}
	return nil, licenseerr.ErrLicenseNotFound
}

func (m *mockRepository) LockByID(ctx context.Context, id uuid.UUID) (*License, error) {
	return m.FindByID(ctx, id)
}

func (m *mockRepository) Update(ctx context.Context, lic *License) error {
	m.byID[lic.ID] = lic
	return nil
}

func (m *mockRepository) InsertRenewal(ctx context.Context, renewal *Renewal) error { return nil }

func (m *mockRepository) ListExpiringActive(ctx context.Context, before time.Time) ([]*License, error) {
	var out []*License
	for _, lic := range m.byID {
		if lic.Status == StatusActive && lic.ExpiresAt != nil && lic.ExpiresAt.Before(before) {
			out = append(out, lic)
		}
	}
	return out, nil
}

func (m *mockRepository) ListGrace(ctx context.Context) ([]*License, error) {
	var out []*License
	for _, lic := range m.byID {
		if lic.Status == StatusGrace {
			out = append(out, lic)
		}
	}
	return out, nil
}

func (m *mockRepository) ListUsable(ctx context.Context) ([]*License, error) {
	var out []*License
	for _, lic := range m.byID {
		if lic.IsUsable() {
			out = append(out, lic)
		}
	}
	return out, nil
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) Audit() audit.Repository {
	return m.auditRepo
}

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

func newTestService() (*Service, *mockRepository, *mockAuditRepository) {
	repo := newMockRepository()
	auditRepo := &mockAuditRepository{}
	repo.auditRepo = auditRepo
	svc := New(repo, audit.New(auditRepo, true), nil)
	return svc, repo, auditRepo
}

func TestServiceActivateWritesAudit(t *testing.T) {
	svc, repo, auditRepo := newTestService()
	id := uuid.Must(uuid.NewV7())
	repo.byID[id] = &License{ID: id, Status: StatusPending}

	_, err := svc.Activate(context.Background(), id, time.Now())
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	if repo.byID[id].Status != StatusActive {
		t.Fatalf("Activate() left status = %v, want Active", repo.byID[id].Status)
	}
	if len(auditRepo.entries) != 1 {
		t.Fatalf("Activate() wrote %d audit entries, want 1", len(auditRepo.entries))
	}
	if auditRepo.entries[0].EventKind != audit.KindLicenseActivated {
		t.Fatalf("Activate() audit kind = %v, want KindLicenseActivated", auditRepo.entries[0].EventKind)
	}
}

func TestServiceCancelFromSuspended(t *testing.T) {
	svc, repo, _ := newTestService()
	id := uuid.Must(uuid.NewV7())
	repo.byID[id] = &License{ID: id, Status: StatusSuspended}

	lic, err := svc.Cancel(context.Background(), id, time.Now())
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if lic.Status != StatusCancelled {
		t.Fatalf("Cancel() status = %v, want Cancelled", lic.Status)
	}
}
