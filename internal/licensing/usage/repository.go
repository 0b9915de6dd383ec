package usage

import (
	"context"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/license"
)

// Tx is the transactional surface the Registrar needs: an exclusive lock
// on the parent License plus CRUD on its usages, all inside one
// transaction so seat accounting stays linearizable per spec.md §5.
type Tx interface {
	LockLicense(ctx context.Context, id uuid.UUID) (*license.License, error)
	// FindActiveByFingerprint looks up an Active usage matching fp, scoped
	// to licenseID when global is false, or across every license when
	// global is true.
	FindActiveByFingerprint(ctx context.Context, licenseID uuid.UUID, fp string, global bool) (*Usage, error)
	CountActive(ctx context.Context, licenseID uuid.UUID) (int64, error)
	OldestActive(ctx context.Context, licenseID uuid.UUID) (*Usage, error)
	// ListActiveByLicense returns every Active usage under licenseID, for
	// the expiration and inactivity sweeps.
	ListActiveByLicense(ctx context.Context, licenseID uuid.UUID) ([]*Usage, error)
	Insert(ctx context.Context, u *Usage) error
	Update(ctx context.Context, u *Usage) error
	FindByID(ctx context.Context, id uuid.UUID) (*Usage, error)
	// Audit returns an audit.Repository bound to this same transaction, so
	// a mutation and the audit entry describing it commit or roll back
	// together.
	Audit() audit.Repository
}

// Store opens the transaction a Registrar operation runs in.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ReadOnly exposes the same Tx surface without opening a write
	// transaction, for preflight checks (can_register, find_by_fingerprint).
	ReadOnly(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
