package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/license"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

// Registrar implements the concurrency-safe seat allocation contract of
// spec.md §4.5. Register runs under an exclusive row lock on its License;
// Heartbeat, Revoke, RevokeAllActive and RevokeInactive each run in one
// transaction but do not take that lock.
type Registrar struct {
	store Store
	audit *audit.Log
	log   *slog.Logger
}

// New builds a Registrar.
func New(store Store, auditLog *audit.Log, log *slog.Logger) *Registrar {
	if log == nil {
		log = slog.Default()
	}
	return &Registrar{store: store, audit: auditLog, log: log}
}

func isGlobal(u license.FingerprintUniqueness) bool {
	return u == license.UniquenessGlobal
}

// Register implements the full register(license, fingerprint, metadata)
// contract: re-fetch under lock, idempotent heartbeat on an existing
// match, over-limit handling, capacity check, then insert.
func (r *Registrar) Register(ctx context.Context, licenseID uuid.UUID, fingerprint string, meta Metadata, policy license.ResolvedPolicy, now time.Time) (*Usage, error) {
	var result *Usage

	err := r.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		lic, err := tx.LockLicense(ctx, licenseID)
		if err != nil {
			return err
		}

		global := isGlobal(policy.FingerprintUniqueness)

		existing, err := tx.FindActiveByFingerprint(ctx, licenseID, fingerprint, global)
		if err != nil && !errors.Is(err, ErrUsageNotFound) {
			return err
		}

		if existing != nil {
			if existing.LicenseID == licenseID {
				existing.LastSeenAt = now
				if err := tx.Update(ctx, existing); err != nil {
					return err
				}
				result = existing
				return nil
			}
			if global {
				return licenseerr.ErrFingerprintInUseGlobally
			}
		}

		count, err := tx.CountActive(ctx, licenseID)
		if err != nil {
			return err
		}

		atCapacity := lic.MaxUsages >= 0 && count >= lic.MaxUsages

		txAudit := r.audit.WithRepository(tx.Audit())

		if atCapacity {
			switch policy.OverLimitPolicy {
			case license.OverLimitAutoReplaceOldest:
				oldest, err := tx.OldestActive(ctx, licenseID)
				if err != nil {
					return err
				}
				oldest.Status = StatusRevoked
				oldest.RevokedAt = &now
				oldest.RevokeReason = "auto_replaced"
				if err := tx.Update(ctx, oldest); err != nil {
					return err
				}
			default:
				// Written inside this same transaction, before the error
				// propagates, so the record survives even if the caller
				// never learns the outcome: the source's double-emit
				// after rollback is deliberately not reproduced here.
				if _, err := txAudit.Record(ctx, audit.KindUsageLimitReached, audit.RefFromUUID("license", licenseID), "core", nil, now); err != nil {
					return err
				}
				return licenseerr.ErrLimitReached
			}
		}

		if !lic.IsUsable() {
			return licenseerr.ErrLicenseNotUsable
		}

		u := &Usage{
			ID:           uuid.Must(uuid.NewV7()),
			LicenseID:    licenseID,
			Fingerprint:  fingerprint,
			Status:       StatusActive,
			RegisteredAt: now,
			LastSeenAt:   now,
			ClientType:   meta.ClientType,
			Name:         meta.Name,
			IP:           meta.IP,
			UserAgent:    meta.UserAgent,
			Meta:         meta.Extra,
		}
		if err := tx.Insert(ctx, u); err != nil {
			return err
		}
		if _, err := txAudit.Record(ctx, audit.KindUsageRegistered, audit.RefFromUUID("license", licenseID), "core", map[string]any{"fingerprint": fingerprint}, now); err != nil {
			return err
		}
		result = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Heartbeat requires the usage to be Active and bumps last_seen_at.
func (r *Registrar) Heartbeat(ctx context.Context, usageID uuid.UUID, now time.Time) (*Usage, error) {
	var result *Usage
	err := r.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.FindByID(ctx, usageID)
		if err != nil {
			return err
		}
		if u.Status != StatusActive {
			return licenseerr.ErrRevokedUsage
		}
		u.LastSeenAt = now
		if err := tx.Update(ctx, u); err != nil {
			return err
		}
		result = u
		return nil
	})
	return result, err
}

// Revoke is idempotent: revoking an already-revoked usage leaves it
// unchanged and returns no error.
func (r *Registrar) Revoke(ctx context.Context, usageID uuid.UUID, reason string, now time.Time) (*Usage, error) {
	var result *Usage
	err := r.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.FindByID(ctx, usageID)
		if err != nil {
			return err
		}
		if u.Status == StatusRevoked {
			result = u
			return nil
		}
		u.Status = StatusRevoked
		u.RevokedAt = &now
		u.RevokeReason = reason
		if err := tx.Update(ctx, u); err != nil {
			return err
		}
		txAudit := r.audit.WithRepository(tx.Audit())
		if _, err := txAudit.Record(ctx, audit.KindUsageRevoked, audit.RefFromUUID("license", u.LicenseID), "core", map[string]any{"reason": reason}, now); err != nil {
			return err
		}
		result = u
		return nil
	})
	return result, err
}

// RevokeAllActive revokes every Active usage under licenseID in one
// transaction, for the expiration sweep's Grace→Expired transition
// (spec.md §4.9: "revoke all its Active usages"). Returns the count
// revoked; a rerun against an already-cleared license revokes nothing.
func (r *Registrar) RevokeAllActive(ctx context.Context, licenseID uuid.UUID, reason string, now time.Time) (int, error) {
	var count int
	err := r.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		active, err := tx.ListActiveByLicense(ctx, licenseID)
		if err != nil {
			return err
		}
		txAudit := r.audit.WithRepository(tx.Audit())
		for _, u := range active {
			u.Status = StatusRevoked
			u.RevokedAt = &now
			u.RevokeReason = reason
			if err := tx.Update(ctx, u); err != nil {
				return err
			}
			if _, err := txAudit.Record(ctx, audit.KindUsageRevoked, audit.RefFromUUID("license", licenseID), "core", map[string]any{"reason": reason, "usage_id": u.ID.String()}, now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// RevokeInactive revokes every Active usage under licenseID whose
// last_seen_at falls before cutoff, for the inactivity-revocation sweep
// (spec.md §4.9). cutoff is now minus the license's configured
// inactivity_auto_revoke_days.
func (r *Registrar) RevokeInactive(ctx context.Context, licenseID uuid.UUID, cutoff, now time.Time) (int, error) {
	var count int
	err := r.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		active, err := tx.ListActiveByLicense(ctx, licenseID)
		if err != nil {
			return err
		}
		txAudit := r.audit.WithRepository(tx.Audit())
		for _, u := range active {
			if !u.LastSeenAt.Before(cutoff) {
				continue
			}
			u.Status = StatusRevoked
			u.RevokedAt = &now
			u.RevokeReason = "inactivity"
			if err := tx.Update(ctx, u); err != nil {
				return err
			}
			if _, err := txAudit.Record(ctx, audit.KindUsageRevoked, audit.RefFromUUID("license", licenseID), "core", map[string]any{"reason": "inactivity", "usage_id": u.ID.String()}, now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// FindByFingerprint returns the usage relevant under the license's
// uniqueness scope, read-only.
func (r *Registrar) FindByFingerprint(ctx context.Context, licenseID uuid.UUID, fingerprint string, uniqueness license.FingerprintUniqueness) (*Usage, error) {
	var result *Usage
	err := r.store.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.FindActiveByFingerprint(ctx, licenseID, fingerprint, isGlobal(uniqueness))
		if err != nil {
			return err
		}
		result = u
		return nil
	})
	return result, err
}

// CanRegister is a read-only preflight using the same capacity logic as
// Register, without mutation.
func (r *Registrar) CanRegister(ctx context.Context, licenseID uuid.UUID, fingerprint string, policy license.ResolvedPolicy) (bool, error) {
	var ok bool
	err := r.store.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		lic, err := tx.LockLicense(ctx, licenseID)
		if err != nil {
			return err
		}
		if !lic.IsUsable() {
			ok = false
			return nil
		}

		global := isGlobal(policy.FingerprintUniqueness)
		existing, err := tx.FindActiveByFingerprint(ctx, licenseID, fingerprint, global)
		if err != nil && !errors.Is(err, ErrUsageNotFound) {
			return err
		}
		if existing != nil {
			if existing.LicenseID == licenseID {
				ok = true
				return nil
			}
			if global {
				ok = false
				return nil
			}
		}

		count, err := tx.CountActive(ctx, licenseID)
		if err != nil {
			return err
		}
		atCapacity := lic.MaxUsages >= 0 && count >= lic.MaxUsages
		ok = !atCapacity || policy.OverLimitPolicy == license.OverLimitAutoReplaceOldest
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("usage: can register: %w", err)
	}
	return ok, nil
}
