// Package keystore persists root and signing keys, tracks their status and
// validity window, and encrypts their private halves at rest.
package keystore

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/cryptoutil"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

// ReasonRoutine and ReasonCompromised are the revocation reasons spec.md
// §4.2's rotation policy names explicitly.
const (
	ReasonRoutine     = "routine"
	ReasonCompromised = "compromised"
)

// Type distinguishes a root key from a scoped signing key.
type Type string

const (
	TypeRoot    Type = "root"
	TypeSigning Type = "signing"
)

// Status is the lifecycle state of a LicensingKey.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Key is a persisted Ed25519 key pair with its validity window, scope
// binding, and optional certificate.
type Key struct {
	ID                  uuid.UUID
	Kid                 string
	Type                Type
	Status              Status
	PublicKey           ed25519.PublicKey
	PrivateKeyEncrypted []byte
	ValidFrom           time.Time
	ValidUntil          *time.Time
	ScopeID             *uuid.UUID
	Certificate         []byte
	RevokedAt           *time.Time
	RevokedReason       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsActiveAt reports whether the key is Active and its validity window
// covers instant.
func (k *Key) IsActiveAt(instant time.Time) bool {
	if k.Status != StatusActive {
		return false
	}
	if instant.Before(k.ValidFrom) {
		return false
	}
	if k.ValidUntil != nil && !instant.Before(*k.ValidUntil) {
		return false
	}
	return true
}

// Repository is the persistence boundary the Store depends on. A Postgres
// implementation lives in this package; tests substitute an in-memory one.
type Repository interface {
	Create(ctx context.Context, key *Key) error
	FindByKid(ctx context.Context, kid string) (*Key, error)
	FindActiveRoot(ctx context.Context) (*Key, error)
	FindActiveSigning(ctx context.Context, scopeID *uuid.UUID) (*Key, error)
	// LockByKid re-fetches a key row under an exclusive lock, for use
	// inside a transaction that will mutate it (revoke, rotate).
	LockByKid(ctx context.Context, kid string) (*Key, error)
	Update(ctx context.Context, key *Key) error
	ListByScope(ctx context.Context, scopeID *uuid.UUID) ([]*Key, error)
	// ListAll returns every key regardless of scope, for operator listing.
	ListAll(ctx context.Context) ([]*Key, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
	// Audit returns an audit.Repository bound to this same connection or
	// transaction, so a revocation and its audit entry commit together.
	Audit() audit.Repository
}

// Store implements key generation, lookup, revocation, and the rotation
// policy described in spec.md §4.2.
type Store struct {
	repo       Repository
	passphrase *cryptoutil.PassphraseCache
	kidPrefix  string
	audit      *audit.Log
}

// New builds a Store.
func New(repo Repository, passphrase *cryptoutil.PassphraseCache, kidPrefix string, auditLog *audit.Log) *Store {
	if kidPrefix == "" {
		kidPrefix = "key"
	}
	return &Store{repo: repo, passphrase: passphrase, kidPrefix: kidPrefix, audit: auditLog}
}

// Create generates an Ed25519 pair, encrypts the secret half under the
// passphrase cache, and persists a new Active key row with a generated kid.
func (s *Store) Create(ctx context.Context, typ Type, scopeID *uuid.UUID, validFrom time.Time, validUntil *time.Time) (*Key, error) {
	return s.CreateWithKid(ctx, typ, "", scopeID, validFrom, validUntil)
}

// CreateWithKid is Create with an operator-supplied kid instead of a
// generated one, for CLI callers that want a predictable identifier.
// An empty kid falls back to the generated "prefix-uuid" form.
func (s *Store) CreateWithKid(ctx context.Context, typ Type, kid string, scopeID *uuid.UUID, validFrom time.Time, validUntil *time.Time) (*Key, error) {
	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keystore: create: %w", err)
	}

	sealed, err := s.passphrase.SealPrivateKey(kp.Private)
	if err != nil {
		if errors.Is(err, cryptoutil.ErrPassphraseMissing) {
			return nil, licenseerr.ErrKeystorePassphraseMissing
		}
		return nil, fmt.Errorf("keystore: seal private key: %w", err)
	}

	if kid == "" {
		kid = fmt.Sprintf("%s-%s", s.kidPrefix, uuid.Must(uuid.NewV7()).String())
	}

	key := &Key{
		ID:                  uuid.Must(uuid.NewV7()),
		Kid:                 kid,
		Type:                typ,
		Status:              StatusActive,
		PublicKey:           kp.Public,
		PrivateKeyEncrypted: sealed,
		ValidFrom:           validFrom,
		ValidUntil:          validUntil,
		ScopeID:             scopeID,
	}

	if err := s.repo.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("keystore: persist key: %w", err)
	}

	return key, nil
}

// FindActiveRoot returns the sole Active root key, per invariant 4. The
// repository returns licenseerr.ErrKeyNotFound (wrapped via errors.Is) when
// no row matches.
func (s *Store) FindActiveRoot(ctx context.Context) (*Key, error) {
	return s.repo.FindActiveRoot(ctx)
}

// FindByKid resolves any key (root or signing, active or not) by its kid,
// satisfying ca.KeyResolver alongside FindActiveRoot.
func (s *Store) FindByKid(ctx context.Context, kid string) (*Key, error) {
	return s.repo.FindByKid(ctx, kid)
}

// FindActiveSigning resolves the Active signing key for scopeID, preferring
// a scoped match and falling back to the global signing key (scopeID=nil)
// when allowFallback is true.
func (s *Store) FindActiveSigning(ctx context.Context, scopeID *uuid.UUID, allowFallback bool) (*Key, error) {
	k, err := s.repo.FindActiveSigning(ctx, scopeID)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, licenseerr.ErrKeyNotFound) {
		return nil, err
	}
	if scopeID != nil && allowFallback {
		return s.repo.FindActiveSigning(ctx, nil)
	}
	return nil, licenseerr.ErrKeyNotFound
}

// ListByScope returns every key bound to scopeID.
func (s *Store) ListByScope(ctx context.Context, scopeID *uuid.UUID) ([]*Key, error) {
	return s.repo.ListByScope(ctx, scopeID)
}

// ListAll returns every key regardless of scope, for the CLI's keys:list.
func (s *Store) ListAll(ctx context.Context) ([]*Key, error) {
	return s.repo.ListAll(ctx)
}

// Revoke sets a key's status to Revoked, recording the reason and the
// revocation instant. Idempotent: revoking an already-revoked key is a
// no-op that returns the unchanged row.
func (s *Store) Revoke(ctx context.Context, kid, reason string, at time.Time) (*Key, error) {
	var result *Key

	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		key, err := repo.LockByKid(ctx, kid)
		if err != nil {
			return err
		}
		if key.Status == StatusRevoked {
			result = key
			return nil
		}

		key.Status = StatusRevoked
		key.RevokedAt = &at
		key.RevokedReason = reason
		if err := repo.Update(ctx, key); err != nil {
			return fmt.Errorf("keystore: revoke: %w", err)
		}
		if s.audit != nil {
			meta := map[string]any{"reason": reason}
			if _, err := s.audit.WithRepository(repo.Audit()).Record(ctx, audit.KindKeyRevoked, audit.RefFromUUID("key", key.ID), "core", meta, at); err != nil {
				return err
			}
		}
		result = key
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RevokeCompromised revokes kid with reason "compromised", recording the
// revocation instant as now minus backdate. Token verification checks only
// the key's Status, not RevokedAt, so the backdated instant is a record:
// once revoked, every token the key signed fails Verify, whenever it was
// issued.
func (s *Store) RevokeCompromised(ctx context.Context, kid string, now time.Time, backdate time.Duration) (*Key, error) {
	return s.Revoke(ctx, kid, ReasonCompromised, now.Add(-backdate))
}

// WithRepository returns a Store bound to repo instead of its own, keeping
// the same passphrase cache, kid prefix, and audit log. A caller already
// inside another package's transaction uses this to run key mutations
// against that same transaction's executor rather than opening a second
// one, mirroring audit.Log.WithRepository.
func (s *Store) WithRepository(repo Repository) *Store {
	return &Store{repo: repo, passphrase: s.passphrase, kidPrefix: s.kidPrefix, audit: s.audit}
}

// UpdateCertificate persists a key's freshly issued certificate, for
// callers (the scope manager) that create a key and certify it as two
// separate steps within the same transaction.
func (s *Store) UpdateCertificate(ctx context.Context, key *Key) error {
	return s.repo.Update(ctx, key)
}

// Passphrase exposes the cache for callers that need to seal/open auxiliary
// material using the same key-encryption key (the key codec's recovery
// copy).
func (s *Store) Passphrase() *cryptoutil.PassphraseCache {
	return s.passphrase
}
