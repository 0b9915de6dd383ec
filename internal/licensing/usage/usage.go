// Package usage implements the concurrency-safe seat registrar: the
// allocation of client "usages" against a License's capacity.
package usage

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Usage.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Usage is one registered client fingerprint consuming a seat.
type Usage struct {
	ID           uuid.UUID
	LicenseID    uuid.UUID
	Fingerprint  string
	Status       Status
	RegisteredAt time.Time
	LastSeenAt   time.Time
	RevokedAt    *time.Time
	RevokeReason string
	ClientType   string
	Name         string
	IP           string
	UserAgent    string
	Meta         map[string]any
}

// Metadata is the free-form client-supplied descriptive data a caller
// passes through register — never read from ambient request state, per
// spec.md §9's note on replacing implicit "current request" globals with
// explicit parameters.
type Metadata struct {
	ClientType string
	Name       string
	IP         string
	UserAgent  string
	Extra      map[string]any
}
