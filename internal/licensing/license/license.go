// Package license owns the License entity and its lifecycle state machine.
package license

import (
	"time"

	"github.com/google/uuid"
)

// Status is one of the license lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusGrace     Status = "grace"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// OverLimitPolicy governs what happens when a new registration would
// exceed a license's seat capacity.
type OverLimitPolicy string

const (
	OverLimitReject            OverLimitPolicy = "reject"
	OverLimitAutoReplaceOldest OverLimitPolicy = "auto_replace_oldest"
)

// FingerprintUniqueness controls whether a fingerprint must be unique
// within one license or across every license in the system.
type FingerprintUniqueness string

const (
	UniquenessPerLicense FingerprintUniqueness = "per-license"
	UniquenessGlobal     FingerprintUniqueness = "global"
)

// Owner is the opaque polymorphic reference to whatever external entity
// holds this license. The core never dereferences it.
type Owner struct {
	Kind string
	ID   string
}

// Policy holds the per-license overrides spec.md §4.4 says must be
// consulted before any configured default.
type Policy struct {
	OverLimitPolicy          *OverLimitPolicy
	GraceDays                *int
	InactivityAutoRevokeDays *int
	FingerprintUniqueness    *FingerprintUniqueness
	TokenTTLDays             *int
	ForceOnlineAfterDays     *int
	ClockSkewSeconds         *int
}

// Defaults is the configured fallback a Scope (or the global configuration)
// supplies when a License's own Policy leaves a field unset.
type Defaults struct {
	OverLimitPolicy          OverLimitPolicy
	GraceDays                int
	InactivityAutoRevokeDays int
	FingerprintUniqueness    FingerprintUniqueness
	TokenTTLDays             int
	ForceOnlineAfterDays     int
	ClockSkewSeconds         int
}

// ResolvedPolicy is the flattened, materialized policy a License reads at
// run time: per-license override where set, configured default otherwise.
// Computed once per read rather than walked recursively, per spec.md §9's
// note on flattening inheritance eagerly.
type ResolvedPolicy struct {
	OverLimitPolicy          OverLimitPolicy
	GraceDays                int
	InactivityAutoRevokeDays int
	FingerprintUniqueness    FingerprintUniqueness
	TokenTTLDays             int
	ForceOnlineAfterDays     int
	ClockSkewSeconds         int
}

// Resolve flattens p over d: any field p leaves nil falls back to d.
func Resolve(p Policy, d Defaults) ResolvedPolicy {
	r := ResolvedPolicy{
		OverLimitPolicy:          d.OverLimitPolicy,
		GraceDays:                d.GraceDays,
		InactivityAutoRevokeDays: d.InactivityAutoRevokeDays,
		FingerprintUniqueness:    d.FingerprintUniqueness,
		TokenTTLDays:             d.TokenTTLDays,
		ForceOnlineAfterDays:     d.ForceOnlineAfterDays,
		ClockSkewSeconds:         d.ClockSkewSeconds,
	}
	if p.OverLimitPolicy != nil {
		r.OverLimitPolicy = *p.OverLimitPolicy
	}
	if p.GraceDays != nil {
		r.GraceDays = *p.GraceDays
	}
	if p.InactivityAutoRevokeDays != nil {
		r.InactivityAutoRevokeDays = *p.InactivityAutoRevokeDays
	}
	if p.FingerprintUniqueness != nil {
		r.FingerprintUniqueness = *p.FingerprintUniqueness
	}
	if p.TokenTTLDays != nil {
		r.TokenTTLDays = *p.TokenTTLDays
	}
	if p.ForceOnlineAfterDays != nil {
		r.ForceOnlineAfterDays = *p.ForceOnlineAfterDays
	}
	if p.ClockSkewSeconds != nil {
		r.ClockSkewSeconds = *p.ClockSkewSeconds
	}
	return r
}

// Renewal records one renewal event: the period it closed out and the
// period it opened.
type Renewal struct {
	ID          uuid.UUID
	LicenseID   uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	CreatedAt   time.Time
}

// License is the central entity: an activation key's server-side state,
// its usage limits, and the policy overrides that govern its tokens.
type License struct {
	ID               uuid.UUID
	KeyHash          []byte
	Status           Status
	Owner            Owner
	MaxUsages        int64 // -1 means unlimited
	ActivatedAt      *time.Time
	ExpiresAt        *time.Time
	ScopeID          *uuid.UUID
	Policy           Policy
	EncryptedKeyCopy []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsUsable reports whether the license can currently register or serve
// usages: Active or Grace.
func (l *License) IsUsable() bool {
	return l.Status == StatusActive || l.Status == StatusGrace
}

// InGraceExpired reports whether a Grace license's grace window has
// elapsed as of now.
func (l *License) InGraceExpired(now time.Time, graceDays int) bool {
	if l.Status != StatusGrace || l.ExpiresAt == nil {
		return false
	}
	return l.ExpiresAt.Add(time.Duration(graceDays) * 24 * time.Hour).Before(now)
}

// Activate transitions Pending to Active, setting activated_at. Requires
// Pending per spec.md §4.4's guard.
func (l *License) Activate(now time.Time) error {
	if l.Status != StatusPending {
		return ErrInvalidTransition
	}
	l.Status = StatusActive
	l.ActivatedAt = &now
	return nil
}

// Renew moves Active, Grace, or Expired to Active with a new expiry,
// returning the Renewal row the caller should persist alongside it.
func (l *License) Renew(now time.Time, newExpiresAt time.Time) (*Renewal, error) {
	switch l.Status {
	case StatusActive, StatusGrace, StatusExpired:
	default:
		return nil, ErrInvalidTransition
	}

	periodStart := now
	if l.ExpiresAt != nil {
		periodStart = *l.ExpiresAt
	}

	renewal := &Renewal{
		ID:          uuid.Must(uuid.NewV7()),
		LicenseID:   l.ID,
		PeriodStart: periodStart,
		PeriodEnd:   newExpiresAt,
		CreatedAt:   now,
	}

	l.Status = StatusActive
	l.ExpiresAt = &newExpiresAt
	return renewal, nil
}

// Suspend moves Active or Grace to Suspended.
func (l *License) Suspend() error {
	if l.Status != StatusActive && l.Status != StatusGrace {
		return ErrInvalidTransition
	}
	l.Status = StatusSuspended
	return nil
}

// Reactivate moves Suspended back to Active (a manual administrative act).
func (l *License) Reactivate() error {
	if l.Status != StatusSuspended {
		return ErrInvalidTransition
	}
	l.Status = StatusActive
	return nil
}

// Cancel moves any non-terminal status to Cancelled. Terminal: once
// Cancelled, always Cancelled.
func (l *License) Cancel() error {
	if l.Status == StatusCancelled {
		return nil
	}
	l.Status = StatusCancelled
	return nil
}

// ExpireToGrace transitions Active to Grace once expires_at has passed.
func (l *License) ExpireToGrace() error {
	if l.Status != StatusActive {
		return ErrInvalidTransition
	}
	l.Status = StatusGrace
	return nil
}

// ExpireFromGrace transitions Grace to Expired once the grace window has
// elapsed.
func (l *License) ExpireFromGrace() error {
	if l.Status != StatusGrace {
		return ErrInvalidTransition
	}
	l.Status = StatusExpired
	return nil
}
