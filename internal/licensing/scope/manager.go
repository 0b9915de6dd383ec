package scope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/ca"
	"github.com/licenseforge/licenseforge/internal/licensing/keystore"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
	"github.com/licenseforge/licenseforge/pkg/validator"
)

// marshalCertificate serializes a certificate envelope to the JSON blob
// persisted on the signing key's Certificate column.
func marshalCertificate(env *ca.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("scope: marshal certificate: %w", err)
	}
	return b, nil
}

// Manager owns scope metadata and drives scoped signing-key rotation.
type Manager struct {
	repo      Repository
	keys      *keystore.Store
	authority *ca.Authority
	audit     *audit.Log
}

// New builds a Manager.
func New(repo Repository, keys *keystore.Store, authority *ca.Authority, auditLog *audit.Log) *Manager {
	return &Manager{repo: repo, keys: keys, authority: authority, audit: auditLog}
}

// Create persists a new, initially inactive-by-default scope. Defaults
// not supplied by the caller are zero values (a DefaultMaxUsages of 0, not
// the -1 that denotes unlimited; no scheduled rotation). The slug must be lowercase alphanumeric segments
// separated by hyphens, the form every cache key and CLI --scope flag
// assumes.
func (m *Manager) Create(ctx context.Context, s *Scope) error {
	if err := validator.ValidateVar(s.Slug, "slug"); err != nil {
		return fmt.Errorf("scope: invalid slug %q: %w", s.Slug, err)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.Must(uuid.NewV7())
	}
	return m.repo.Create(ctx, s)
}

// Activate marks a scope Active, so ListNeedingRotation can select it for
// the scheduled rotation sweep. Idempotent. RotateKeys and token issuance
// do not check the flag.
func (m *Manager) Activate(ctx context.Context, id uuid.UUID) (*Scope, error) {
	var result *Scope
	err := m.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		s, err := repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if s.Active {
			result = s
			return nil
		}
		s.Active = true
		if err := repo.Update(ctx, s); err != nil {
			return err
		}
		result = s
		return nil
	})
	return result, err
}

// Deactivate marks a scope inactive, so ListNeedingRotation no longer
// selects it for the scheduled rotation sweep. Idempotent. An explicit
// RotateKeys call and token issuance under the scope still proceed, and
// existing signing keys remain Active until explicitly revoked.
func (m *Manager) Deactivate(ctx context.Context, id uuid.UUID) (*Scope, error) {
	var result *Scope
	err := m.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		s, err := repo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if !s.Active {
			result = s
			return nil
		}
		s.Active = false
		if err := repo.Update(ctx, s); err != nil {
			return err
		}
		result = s
		return nil
	})
	return result, err
}

// Get resolves a scope by id, no locking.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Scope, error) {
	return m.repo.FindByID(ctx, id)
}

// FindBySlug resolves a scope by its slug, no locking.
func (m *Manager) FindBySlug(ctx context.Context, slug string) (*Scope, error) {
	return m.repo.FindBySlug(ctx, slug)
}

// ListNeedingRotation returns every active scope whose signing key is due
// for rotation as of now, for the scope-rotation sweep.
func (m *Manager) ListNeedingRotation(ctx context.Context, now time.Time) ([]*Scope, error) {
	return m.repo.ListNeedingRotation(ctx, now)
}

// GlobalScope resolves the distinguished global-slug scope, creating it
// on demand the first time it is needed. Creation is idempotent: a
// concurrent racing creator simply loses the unique-index race and falls
// back to the row the winner inserted.
func (m *Manager) GlobalScope(ctx context.Context) (*Scope, error) {
	s, err := m.repo.FindBySlug(ctx, GlobalSlug)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, licenseerr.ErrScopeNotFound) {
		return nil, err
	}

	global := &Scope{ID: uuid.Must(uuid.NewV7()), Slug: GlobalSlug, Name: "Global", Active: true}
	if err := m.repo.Create(ctx, global); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			return m.repo.FindBySlug(ctx, GlobalSlug)
		}
		return nil, err
	}
	return global, nil
}

// RotateKeys revokes every Active signing key of this scope, generates
// and certifies a new one, and reschedules the next rotation, all within
// one transaction. reason is recorded on the revoked keys: "routine" for
// the scheduled sweep, "compromised" for an operator-triggered rotation.
func (m *Manager) RotateKeys(ctx context.Context, id uuid.UUID, reason string, now time.Time) (*keystore.Key, error) {
	var newKey *keystore.Key

	err := m.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		s, err := repo.LockByID(ctx, id)
		if err != nil {
			return err
		}

		// Bind the keystore to this same transaction's executor, so key
		// revocation and issuance commit with the scope's schedule update
		// rather than opening a second, independent transaction.
		keys := m.keys.WithRepository(repo.Keys())

		scopedKeys, err := keys.ListByScope(ctx, &s.ID)
		if err != nil {
			return fmt.Errorf("scope: rotate: list signing keys: %w", err)
		}
		for _, k := range scopedKeys {
			if k.Type != keystore.TypeSigning || k.Status != keystore.StatusActive {
				continue
			}
			if reason == keystore.ReasonCompromised {
				if _, err := keys.RevokeCompromised(ctx, k.Kid, now, 0); err != nil {
					return fmt.Errorf("scope: rotate: revoke %s: %w", k.Kid, err)
				}
			} else {
				if _, err := keys.Revoke(ctx, k.Kid, reason, now); err != nil {
					return fmt.Errorf("scope: rotate: revoke %s: %w", k.Kid, err)
				}
			}
			txAudit := m.audit.WithRepository(repo.Audit())
			if _, err := txAudit.Record(ctx, audit.KindKeyRotated, audit.RefFromUUID("key", k.ID), "core", map[string]any{"reason": reason, "scope_id": s.ID.String()}, now); err != nil {
				return err
			}
		}

		created, err := keys.Create(ctx, keystore.TypeSigning, &s.ID, now, nil)
		if err != nil {
			return fmt.Errorf("scope: rotate: create signing key: %w", err)
		}

		var scopeIdentifier *string
		slug := s.Slug
		scopeIdentifier = &slug
		env, err := m.authority.IssueSigningCertificate(ctx, created.PublicKey, created.Kid, now, nil, scopeIdentifier, &s.ID)
		if err != nil {
			return fmt.Errorf("scope: rotate: issue certificate: %w", err)
		}
		certJSON, err := marshalCertificate(env)
		if err != nil {
			return err
		}
		created.Certificate = certJSON
		if err := keys.UpdateCertificate(ctx, created); err != nil {
			return fmt.Errorf("scope: rotate: persist certificate: %w", err)
		}

		txAudit := m.audit.WithRepository(repo.Audit())
		if _, err := txAudit.Record(ctx, audit.KindKeySigningIssued, audit.RefFromUUID("key", created.ID), "core", map[string]any{"scope_id": s.ID.String()}, now); err != nil {
			return err
		}

		next := now.Add(time.Duration(s.KeyRotationDays) * 24 * time.Hour)
		s.LastRotationAt = &now
		s.NextRotationAt = &next
		if err := repo.Update(ctx, s); err != nil {
			return fmt.Errorf("scope: rotate: update schedule: %w", err)
		}

		newKey = created
		return nil
	})
	return newKey, err
}
