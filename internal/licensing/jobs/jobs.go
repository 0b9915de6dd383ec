// Package jobs implements the three periodic sweeps spec.md §4.9
// describes as pure functions of (now, store handle): expiration,
// inactivity revocation, and scoped key rotation. An external scheduler
// (cron, a worker loop) invokes these; the package itself starts no
// goroutines and owns no timers.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/license"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
	"github.com/licenseforge/licenseforge/internal/licensing/scope"
	"github.com/licenseforge/licenseforge/internal/licensing/usage"
)

// Sweeper wires the license, usage, and scope services together to run
// the background sweeps. Every method is idempotent under reruns and
// processes entities in ascending id order, per spec.md §4.9's ordering
// guarantee.
type Sweeper struct {
	licenses *license.Service
	usages   *usage.Registrar
	scopes   *scope.Manager
	defaults license.Defaults
	log      *slog.Logger
}

// New builds a Sweeper. defaults is the global configured fallback used
// whenever neither a license's own policy nor its scope supplies a value.
func New(licenses *license.Service, usages *usage.Registrar, scopes *scope.Manager, defaults license.Defaults, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{licenses: licenses, usages: usages, scopes: scopes, defaults: defaults, log: log}
}

// ExpirationResult reports how many licenses each sweep phase touched.
type ExpirationResult struct {
	TransitionedToGrace   int
	TransitionedToExpired int
	UsagesRevoked         int
}

// resolvePolicy flattens a license's policy against this Sweeper's global
// defaults, with the grace days default replaced by the license's scope's
// DefaultGraceDays when it has a scope that sets one. No other scope
// default is consulted.
func (s *Sweeper) resolvePolicy(ctx context.Context, lic *license.License) (license.ResolvedPolicy, error) {
	d := s.defaults
	if lic.ScopeID != nil {
		sc, err := s.scopes.Get(ctx, *lic.ScopeID)
		if err != nil {
			if !errors.Is(err, licenseerr.ErrScopeNotFound) {
				return license.ResolvedPolicy{}, err
			}
		} else if sc.DefaultGraceDays > 0 {
			d.GraceDays = sc.DefaultGraceDays
		}
	}
	return s.licenses.ResolvedPolicyFor(lic, d), nil
}

// ExpirationSweep runs both phases of spec.md §4.9's expiration sweep:
// Active licenses whose expiry has passed move to Grace; Grace licenses
// whose grace window has elapsed move to Expired and have every Active
// usage revoked.
func (s *Sweeper) ExpirationSweep(ctx context.Context, now time.Time) (ExpirationResult, error) {
	var result ExpirationResult

	expiring, err := s.licenses.ListExpiringActive(ctx, now)
	if err != nil {
		return result, err
	}
	for _, lic := range expiring {
		if _, err := s.licenses.TransitionToGrace(ctx, lic.ID, now); err != nil {
			return result, err
		}
		result.TransitionedToGrace++
	}

	grace, err := s.licenses.ListGrace(ctx)
	if err != nil {
		return result, err
	}
	for _, lic := range grace {
		policy, err := s.resolvePolicy(ctx, lic)
		if err != nil {
			return result, err
		}
		if !lic.InGraceExpired(now, policy.GraceDays) {
			continue
		}
		if _, err := s.licenses.TransitionToExpired(ctx, lic.ID); err != nil {
			return result, err
		}
		result.TransitionedToExpired++

		revoked, err := s.usages.RevokeAllActive(ctx, lic.ID, "license_expired", now)
		if err != nil {
			return result, err
		}
		result.UsagesRevoked += revoked
	}

	return result, nil
}

// InactivityResult reports how many usages the inactivity sweep revoked.
type InactivityResult struct {
	LicensesScanned int
	UsagesRevoked   int
}

// InactivityRevocation revokes every Active usage whose license sets
// inactivity_auto_revoke_days = D and whose last_seen_at is older than D
// days, across every currently usable (Active or Grace) license.
func (s *Sweeper) InactivityRevocation(ctx context.Context, now time.Time) (InactivityResult, error) {
	var result InactivityResult

	licenses, err := s.licenses.ListUsable(ctx)
	if err != nil {
		return result, err
	}

	for _, lic := range licenses {
		result.LicensesScanned++
		policy, err := s.resolvePolicy(ctx, lic)
		if err != nil {
			return result, err
		}
		if policy.InactivityAutoRevokeDays <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(policy.InactivityAutoRevokeDays) * 24 * time.Hour)
		revoked, err := s.usages.RevokeInactive(ctx, lic.ID, cutoff, now)
		if err != nil {
			return result, err
		}
		result.UsagesRevoked += revoked
	}

	return result, nil
}

// RotationResult reports how many scopes the rotation sweep rotated.
type RotationResult struct {
	ScopesRotated []uuid.UUID
}

// ScopeRotation rotates the signing key of every active scope whose
// rotation schedule has come due.
func (s *Sweeper) ScopeRotation(ctx context.Context, now time.Time) (RotationResult, error) {
	var result RotationResult

	due, err := s.scopes.ListNeedingRotation(ctx, now)
	if err != nil {
		return result, err
	}
	for _, sc := range due {
		if _, err := s.scopes.RotateKeys(ctx, sc.ID, "routine", now); err != nil {
			return result, err
		}
		result.ScopesRotated = append(result.ScopesRotated, sc.ID)
	}
	return result, nil
}

// RunAll runs the expiration sweep, then inactivity revocation, then
// scope rotation, in the order spec.md §4.9 lists them. A failure in an
// earlier phase aborts the later ones; already-committed transitions from
// completed phases stand, since each mutation commits in its own
// transaction.
func (s *Sweeper) RunAll(ctx context.Context, now time.Time) (ExpirationResult, InactivityResult, RotationResult, error) {
	exp, err := s.ExpirationSweep(ctx, now)
	if err != nil {
		return exp, InactivityResult{}, RotationResult{}, err
	}
	inact, err := s.InactivityRevocation(ctx, now)
	if err != nil {
		return exp, inact, RotationResult{}, err
	}
	rot, err := s.ScopeRotation(ctx, now)
	if err != nil {
		return exp, inact, rot, err
	}
	s.log.Info("sweep complete",
		"licenses_to_grace", exp.TransitionedToGrace,
		"licenses_to_expired", exp.TransitionedToExpired,
		"usages_revoked_expiry", exp.UsagesRevoked,
		"licenses_scanned_inactivity", inact.LicensesScanned,
		"usages_revoked_inactivity", inact.UsagesRevoked,
		"scopes_rotated", len(rot.ScopesRotated),
	)
	return exp, inact, rot, nil
}
