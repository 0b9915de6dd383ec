// Package bundle produces the client-consumable public-key bundle spec.md
// §6 describes: the root key's public half plus every currently Active
// signing key (and its certificate) for a scope, so an offline client can
// verify tokens without calling back into the authority.
package bundle

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/ca"
	"github.com/licenseforge/licenseforge/internal/licensing/keystore"
	"github.com/licenseforge/licenseforge/pkg/cache"
)

// RootKey is the client-facing view of the Active root key: its public
// half and validity window, never its private material.
type RootKey struct {
	Kid        string     `json:"kid"`
	PublicKey  string     `json:"public_key"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until"`
}

// SigningKey is the client-facing view of one Active signing key: its
// public half plus the certificate envelope binding it to the root.
type SigningKey struct {
	Kid         string          `json:"kid"`
	PublicKey   string          `json:"public_key"`
	Certificate json.RawMessage `json:"certificate"`
	ValidFrom   time.Time       `json:"valid_from"`
	ValidUntil  *time.Time      `json:"valid_until"`
}

// Bundle is the full document a client fetches and pins for offline
// verification, per spec.md §6's wire shape.
type Bundle struct {
	Root     RootKey      `json:"root"`
	Signing  []SigningKey `json:"signing"`
	IssuedAt time.Time    `json:"issued_at"`
}

// Keys is the keystore surface the exporter needs.
type Keys interface {
	FindActiveRoot(ctx context.Context) (*keystore.Key, error)
	ListByScope(ctx context.Context, scopeID *uuid.UUID) ([]*keystore.Key, error)
}

// Exporter builds and caches public-key bundles.
type Exporter struct {
	keys  Keys
	cache cache.Cache
}

// New builds an Exporter. A nil cache.Cache is replaced by a NoOpCache,
// so every bundle is then built from keys without caching.
func New(keys Keys, c cache.Cache) *Exporter {
	if c == nil {
		c = &cache.NoOpCache{}
	}
	return &Exporter{keys: keys, cache: c}
}

// ForScope builds the bundle for scopeID (nil for the global scope),
// identified for caching purposes by scopeSlug. Every Active signing key
// under the scope is included, so a rotation's overlap window (old key
// still Active alongside the new one) is visible to clients without a gap.
func (e *Exporter) ForScope(ctx context.Context, scopeID *uuid.UUID, scopeSlug string) (*Bundle, error) {
	return cache.GetWithFallback(ctx, e.cache, cache.BundleByScopeKey(scopeSlug), cache.TTLBundle, func() (*Bundle, error) {
		return e.build(ctx, scopeID)
	})
}

func (e *Exporter) build(ctx context.Context, scopeID *uuid.UUID) (*Bundle, error) {
	root, err := e.keys.FindActiveRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle: find active root: %w", err)
	}

	scoped, err := e.keys.ListByScope(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("bundle: list scope keys: %w", err)
	}

	b := &Bundle{
		Root: RootKey{
			Kid:        root.Kid,
			PublicKey:  base64.StdEncoding.EncodeToString(root.PublicKey),
			ValidFrom:  root.ValidFrom,
			ValidUntil: root.ValidUntil,
		},
		IssuedAt: time.Now(),
	}

	for _, k := range scoped {
		if k.Type != keystore.TypeSigning || k.Status != keystore.StatusActive {
			continue
		}
		if len(k.Certificate) == 0 {
			continue
		}
		var env ca.Envelope
		if err := json.Unmarshal(k.Certificate, &env); err != nil {
			return nil, fmt.Errorf("bundle: parse certificate for %s: %w", k.Kid, err)
		}
		certJSON, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("bundle: marshal certificate for %s: %w", k.Kid, err)
		}
		b.Signing = append(b.Signing, SigningKey{
			Kid:         k.Kid,
			PublicKey:   base64.StdEncoding.EncodeToString(k.PublicKey),
			Certificate: certJSON,
			ValidFrom:   k.ValidFrom,
			ValidUntil:  k.ValidUntil,
		})
	}

	return b, nil
}

// RootPublicKeyMatches reports whether this bundle's declared root public
// key equals candidate, the check verify_offline performs before trusting
// any certificate chain in the token footer (spec.md §4.6).
func (b *Bundle) RootPublicKeyMatches(candidate ed25519.PublicKey) bool {
	decoded, err := base64.StdEncoding.DecodeString(b.Root.PublicKey)
	if err != nil {
		return false
	}
	return ed25519.PublicKey(decoded).Equal(candidate)
}

// Invalidate evicts every cache entry for scopeSlug, for callers (the
// scope manager after a rotation) that need the next ForScope call to
// rebuild from the store.
func (e *Exporter) Invalidate(ctx context.Context, scopeSlug string) error {
	return e.cache.Delete(ctx, cache.BundleCacheKeys(scopeSlug)...)
}
