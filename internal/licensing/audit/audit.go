// Package audit implements the tamper-evident, append-only, hash-chained
// event log every state-changing operation writes to.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the audit event kinds this repository emits. Names are
// indicative, per spec.md §7.
type Kind string

const (
	KindUsageRegistered   Kind = "usage_registered"
	KindUsageLimitReached Kind = "usage_limit_reached"
	KindUsageRevoked      Kind = "usage_revoked"
	KindLicenseExpired    Kind = "license_expired"
	KindLicenseActivated  Kind = "license_activated"
	KindLicenseRenewed    Kind = "license_renewed"
	KindLicenseSuspended  Kind = "license_suspended"
	KindLicenseCancelled  Kind = "license_cancelled"
	KindKeyRotated        Kind = "key_rotated"
	KindKeySigningIssued  Kind = "key_signing_issued"
	KindKeyRevoked        Kind = "key_revoked"
)

// AuditableRef is the polymorphic reference an entry describes (a License,
// a LicensingKey, a Scope, ...), opaque to this package.
type AuditableRef struct {
	Kind string
	ID   string
}

// Entry is one immutable row in the audit log.
type Entry struct {
	ID           int64
	EventKind    Kind
	Auditable    AuditableRef
	Actor        string
	Meta         map[string]any
	OccurredAt   time.Time
	PreviousHash []byte
}

// canonicalFields is the exact field set the hash chain covers, per
// spec.md §4.7: (id, event_kind, auditable_ref, actor, meta, occurred_at).
type canonicalFields struct {
	ID         int64          `json:"id"`
	EventKind  Kind           `json:"event_kind"`
	Auditable  AuditableRef   `json:"auditable"`
	Actor      string         `json:"actor"`
	Meta       map[string]any `json:"meta"`
	OccurredAt string         `json:"occurred_at"`
}

// CanonicalHash computes SHA-256 over the entry's canonical JSON encoding.
func (e Entry) CanonicalHash() ([]byte, error) {
	fields := canonicalFields{
		ID:         e.ID,
		EventKind:  e.EventKind,
		Auditable:  e.Auditable,
		Actor:      e.Actor,
		Meta:       e.Meta,
		OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// Repository is the persistence boundary the Log depends on.
type Repository interface {
	// Tail returns the most recently inserted entry, or nil if the log is
	// empty. Called under the same lock Insert uses so the chain stays
	// linearizable.
	Tail(ctx context.Context) (*Entry, error)
	Insert(ctx context.Context, entry *Entry) error
	Range(ctx context.Context, fromID, toID int64) ([]*Entry, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	// WithTx runs fn with a Repository bound to one transaction, so the
	// Tail-then-Insert pair is atomic with respect to other writers.
	WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

// Log records events and verifies the hash chain.
type Log struct {
	repo         Repository
	chainEnabled bool
}

// New builds a Log. chainEnabled toggles hash-chaining; when false, every
// entry's PreviousHash is left nil.
func New(repo Repository, chainEnabled bool) *Log {
	return &Log{repo: repo, chainEnabled: chainEnabled}
}

// Record appends a new entry. Callers that need the write to land in the
// same transaction as the state change it describes should run Record
// inside repo.WithTx (or pass a Repository already bound to that
// transaction via WithRepository).
func (l *Log) Record(ctx context.Context, kind Kind, auditable AuditableRef, actor string, meta map[string]any, occurredAt time.Time) (*Entry, error) {
	var created *Entry

	err := l.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		entry := &Entry{
			EventKind:  kind,
			Auditable:  auditable,
			Actor:      actor,
			Meta:       meta,
			OccurredAt: occurredAt,
		}

		if l.chainEnabled {
			prev, err := repo.Tail(ctx)
			if err != nil {
				return fmt.Errorf("audit: read tail: %w", err)
			}
			if prev != nil {
				hash, err := prev.CanonicalHash()
				if err != nil {
					return err
				}
				entry.PreviousHash = hash
			}
		}

		if err := repo.Insert(ctx, entry); err != nil {
			return fmt.Errorf("audit: insert: %w", err)
		}
		created = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// WithRepository returns a Log bound to repo, letting a caller inside an
// already-open transaction (the license or usage service) write an audit
// entry without opening a second transaction.
func (l *Log) WithRepository(repo Repository) *Log {
	return &Log{repo: repo, chainEnabled: l.chainEnabled}
}

// VerifyChain recomputes each entry's hash across [fromID, toID] and
// compares it to the next entry's PreviousHash.
func (l *Log) VerifyChain(ctx context.Context, fromID, toID int64) error {
	entries, err := l.repo.Range(ctx, fromID, toID)
	if err != nil {
		return fmt.Errorf("audit: range: %w", err)
	}
	for i := 0; i < len(entries)-1; i++ {
		hash, err := entries[i].CanonicalHash()
		if err != nil {
			return err
		}
		next := entries[i+1]
		if !bytesEqual(hash, next.PreviousHash) {
			return fmt.Errorf("audit: chain broken between entry %d and %d: %w", entries[i].ID, next.ID, ErrChainBroken)
		}
	}
	return nil
}

// Purge deletes every entry with occurred_at before cutoff, the only form
// of deletion the log permits.
func (l *Log) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return l.repo.Purge(ctx, cutoff)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RefFromUUID builds an AuditableRef for an entity identified by a uuid.
func RefFromUUID(kind string, id uuid.UUID) AuditableRef {
	return AuditableRef{Kind: kind, ID: id.String()}
}
