// Package scope groups licenses and signing keys under one software
// product and drives that product's key rotation schedule.
package scope

import (
	"time"

	"github.com/google/uuid"
)

// GlobalSlug is the distinguished scope that exists as a fallback for
// licenses and signing keys that name no product scope of their own.
const GlobalSlug = "global"

// Scope is a namespace grouping licenses and signing keys belonging to
// one software product.
type Scope struct {
	ID                  uuid.UUID
	Slug                string
	Name                string
	Active              bool
	DefaultMaxUsages    int64
	DefaultDurationDays int
	DefaultGraceDays    int
	KeyRotationDays     int
	NextRotationAt      *time.Time
	LastRotationAt      *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NeedsRotation reports whether this scope's signing key is due for
// rotation: rotation is enabled and either no rotation has ever run, or
// the scheduled instant has passed.
func (s *Scope) NeedsRotation(now time.Time) bool {
	if s.KeyRotationDays <= 0 {
		return false
	}
	if s.NextRotationAt == nil {
		return true
	}
	return !s.NextRotationAt.After(now)
}
