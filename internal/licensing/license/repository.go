package license

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
)

// Repository is the persistence boundary the Service depends on.
type Repository interface {
	Create(ctx context.Context, lic *License) error
	FindByID(ctx context.Context, id uuid.UUID) (*License, error)
	FindByKeyHash(ctx context.Context, keyHash []byte) (*License, error)
	// LockByID re-fetches a License row under an exclusive lock, for use
	// inside a transaction that will transition it.
	LockByID(ctx context.Context, id uuid.UUID) (*License, error)
	Update(ctx context.Context, lic *License) error
	InsertRenewal(ctx context.Context, renewal *Renewal) error
	// ListExpiringActive returns Active licenses with expires_at < before,
	// ordered by id, for the expiration sweep.
	ListExpiringActive(ctx context.Context, before time.Time) ([]*License, error)
	// ListGrace returns every License currently in Grace, ordered by id,
	// for the expiration sweep's second phase.
	ListGrace(ctx context.Context) ([]*License, error)
	// ListUsable returns every License currently Active or Grace, ordered
	// by id, for the inactivity-revocation sweep.
	ListUsable(ctx context.Context) ([]*License, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
	// Audit returns an audit.Repository bound to this same connection or
	// transaction, so a state transition and the audit entry describing it
	// commit or roll back together.
	Audit() audit.Repository
}
