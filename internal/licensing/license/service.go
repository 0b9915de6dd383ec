package license

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
)

// Service wraps Repository with the locked state transitions and audit
// writes spec.md §4.4 and §9 require. Every mutation acquires the row
// lock via Repository.WithTx/LockByID and writes its audit entry through
// repo.Audit() before the transaction commits, so the transition and its
// record share one commit.
type Service struct {
	repo  Repository
	audit *audit.Log
	log   *slog.Logger
}

// New builds a Service.
func New(repo Repository, auditLog *audit.Log, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, audit: auditLog, log: log}
}

// Get resolves a license by id, no locking.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*License, error) {
	return s.repo.FindByID(ctx, id)
}

// FindByKeyHash resolves a license by its key hash, no locking.
func (s *Service) FindByKeyHash(ctx context.Context, keyHash []byte) (*License, error) {
	return s.repo.FindByKeyHash(ctx, keyHash)
}

// Create persists a brand new Pending license.
func (s *Service) Create(ctx context.Context, lic *License) error {
	if lic.ID == uuid.Nil {
		lic.ID = uuid.Must(uuid.NewV7())
	}
	if lic.Status == "" {
		lic.Status = StatusPending
	}
	return s.repo.Create(ctx, lic)
}

// Activate transitions a Pending license to Active under lock.
func (s *Service) Activate(ctx context.Context, id uuid.UUID, now time.Time) (*License, error) {
	var result *License
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		lic, err := repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if err := lic.Activate(now); err != nil {
			return err
		}
		if err := repo.Update(ctx, lic); err != nil {
			return err
		}
		if _, err := s.audit.WithRepository(repo.Audit()).Record(ctx, audit.KindLicenseActivated, audit.RefFromUUID("license", id), "core", nil, now); err != nil {
			return err
		}
		result = lic
		return nil
	})
	return result, err
}

// Renew transitions to Active with a new expiry and records a Renewal row.
func (s *Service) Renew(ctx context.Context, id uuid.UUID, now, newExpiresAt time.Time) (*License, error) {
	var result *License
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		lic, err := repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		renewal, err := lic.Renew(now, newExpiresAt)
		if err != nil {
			return err
		}
		if err := repo.Update(ctx, lic); err != nil {
			return err
		}
		if err := repo.InsertRenewal(ctx, renewal); err != nil {
			return err
		}
		if _, err := s.audit.WithRepository(repo.Audit()).Record(ctx, audit.KindLicenseRenewed, audit.RefFromUUID("license", id), "core", nil, now); err != nil {
			return err
		}
		result = lic
		return nil
	})
	return result, err
}

// Suspend transitions Active or Grace to Suspended.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID, now time.Time) (*License, error) {
	var result *License
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		lic, err := repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if err := lic.Suspend(); err != nil {
			return err
		}
		if err := repo.Update(ctx, lic); err != nil {
			return err
		}
		if _, err := s.audit.WithRepository(repo.Audit()).Record(ctx, audit.KindLicenseSuspended, audit.RefFromUUID("license", id), "core", nil, now); err != nil {
			return err
		}
		result = lic
		return nil
	})
	return result, err
}

// Reactivate transitions Suspended back to Active.
func (s *Service) Reactivate(ctx context.Context, id uuid.UUID) (*License, error) {
	var result *License
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		lic, err := repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if err := lic.Reactivate(); err != nil {
			return err
		}
		if err := repo.Update(ctx, lic); err != nil {
			return err
		}
		result = lic
		return nil
	})
	return result, err
}

// Cancel transitions any non-terminal license to Cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*License, error) {
	var result *License
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		lic, err := repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if err := lic.Cancel(); err != nil {
			return err
		}
		if err := repo.Update(ctx, lic); err != nil {
			return err
		}
		if _, err := s.audit.WithRepository(repo.Audit()).Record(ctx, audit.KindLicenseCancelled, audit.RefFromUUID("license", id), "core", nil, now); err != nil {
			return err
		}
		result = lic
		return nil
	})
	return result, err
}

// ResolvedPolicyFor flattens a license's overrides against defaults, per
// spec.md §4.4's policy lookup order.
func (s *Service) ResolvedPolicyFor(lic *License, defaults Defaults) ResolvedPolicy {
	return Resolve(lic.Policy, defaults)
}

// ListExpiringActive returns Active licenses whose expires_at has passed
// as of before, for the expiration sweep's first phase.
func (s *Service) ListExpiringActive(ctx context.Context, before time.Time) ([]*License, error) {
	return s.repo.ListExpiringActive(ctx, before)
}

// ListGrace returns every license currently in Grace, for the expiration
// sweep's second phase.
func (s *Service) ListGrace(ctx context.Context) ([]*License, error) {
	return s.repo.ListGrace(ctx)
}

// ListUsable returns every Active or Grace license, for the inactivity
// revocation sweep.
func (s *Service) ListUsable(ctx context.Context) ([]*License, error) {
	return s.repo.ListUsable(ctx)
}

// TransitionToGrace moves an Active license whose expiry has passed into
// Grace, auditing LicenseExpired. A no-op guard: licenses not currently
// Active are left untouched so a rerun of the sweep stays idempotent.
func (s *Service) TransitionToGrace(ctx context.Context, id uuid.UUID, now time.Time) (*License, error) {
	var result *License
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		lic, err := repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if lic.Status != StatusActive {
			result = lic
			return nil
		}
		if err := lic.ExpireToGrace(); err != nil {
			return err
		}
		if err := repo.Update(ctx, lic); err != nil {
			return err
		}
		if _, err := s.audit.WithRepository(repo.Audit()).Record(ctx, audit.KindLicenseExpired, audit.RefFromUUID("license", id), "core", nil, now); err != nil {
			return err
		}
		result = lic
		return nil
	})
	return result, err
}

// TransitionToExpired moves a Grace license whose grace window has
// elapsed into Expired. A no-op guard mirrors TransitionToGrace's.
func (s *Service) TransitionToExpired(ctx context.Context, id uuid.UUID) (*License, error) {
	var result *License
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		lic, err := repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if lic.Status != StatusGrace {
			result = lic
			return nil
		}
		if err := lic.ExpireFromGrace(); err != nil {
			return err
		}
		if err := repo.Update(ctx, lic); err != nil {
			return err
		}
		result = lic
		return nil
	})
	return result, err
}
