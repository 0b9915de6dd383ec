package scope

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/keystore"
)

// Repository is the persistence boundary the Manager depends on.
type Repository interface {
	Create(ctx context.Context, s *Scope) error
	FindByID(ctx context.Context, id uuid.UUID) (*Scope, error)
	FindBySlug(ctx context.Context, slug string) (*Scope, error)
	// LockByID re-fetches a scope row under an exclusive lock, for use
	// inside a transaction that will mutate it (activate, rotate).
	LockByID(ctx context.Context, id uuid.UUID) (*Scope, error)
	Update(ctx context.Context, s *Scope) error
	ListNeedingRotation(ctx context.Context, now time.Time) ([]*Scope, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
	// Audit returns an audit.Repository bound to this same transaction, so
	// a rotation and the KeyRotated/KeySigningIssued entries describing it
	// commit or roll back together.
	Audit() audit.Repository
	// Keys returns a keystore.Repository bound to this same transaction,
	// so key revocation and issuance during a rotation commit or roll
	// back together with the scope's own schedule update.
	Keys() keystore.Repository
}
