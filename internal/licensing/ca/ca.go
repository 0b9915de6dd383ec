// Package ca issues and verifies the leaf certificates that bind a signing
// key's public half to the root that vouches for it.
package ca

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/licenseforge/licenseforge/internal/licensing/cryptoutil"
	"github.com/licenseforge/licenseforge/internal/licensing/keystore"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

// Document is the canonical certificate body. Field order here is the
// canonical order: json.Marshal on a struct always emits fields in
// declaration order, so this type IS the canonicalization rule.
type Document struct {
	Kid             string  `json:"kid"`
	PublicKey       string  `json:"public_key"`
	ValidFrom       string  `json:"valid_from"`
	ValidUntil      *string `json:"valid_until"`
	IssuedAt        string  `json:"issued_at"`
	IssuerKid       string  `json:"issuer_kid"`
	Scope           *string `json:"scope,omitempty"`
	ScopeIdentifier *string `json:"scope_identifier,omitempty"`
}

// Envelope pairs a Document with the root's detached signature over its
// canonical encoding.
type Envelope struct {
	Certificate Document `json:"certificate"`
	Signature   string   `json:"signature"`
}

// Canonical returns the exact bytes that were (or must be) signed: fixed
// field order, no extra whitespace, RFC3339 timestamps, standard base64.
func (d Document) Canonical() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("ca: canonicalize document: %w", err)
	}
	return b, nil
}

// KeyResolver is the keystore surface the CA needs: looking up the Active
// root and any key by kid (to find the issuer when verifying).
type KeyResolver interface {
	FindActiveRoot(ctx context.Context) (*keystore.Key, error)
	FindByKid(ctx context.Context, kid string) (*keystore.Key, error)
}

// Authority issues and verifies certificate envelopes.
type Authority struct {
	keys       KeyResolver
	passphrase *cryptoutil.PassphraseCache
}

// New builds an Authority.
func New(keys KeyResolver, passphrase *cryptoutil.PassphraseCache) *Authority {
	return &Authority{keys: keys, passphrase: passphrase}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// IssueSigningCertificate signs a certificate for a signing key's public
// half, requiring an Active root.
func (a *Authority) IssueSigningCertificate(ctx context.Context, signingPub ed25519.PublicKey, kid string, validFrom time.Time, validUntil *time.Time, scopeSlug *string, scopeID *uuid.UUID) (*Envelope, error) {
	root, err := a.keys.FindActiveRoot(ctx)
	if err != nil {
		return nil, err
	}

	rootPriv, err := a.passphrase.OpenPrivateKey(root.PrivateKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("ca: open root private key: %w", err)
	}

	var validUntilStr *string
	if validUntil != nil {
		s := formatTime(*validUntil)
		validUntilStr = &s
	}

	var scopeIdentifier *string
	if scopeID != nil {
		s := scopeID.String()
		scopeIdentifier = &s
	}

	doc := Document{
		Kid:             kid,
		PublicKey:       base64.StdEncoding.EncodeToString(signingPub),
		ValidFrom:       formatTime(validFrom),
		ValidUntil:      validUntilStr,
		IssuedAt:        formatTime(time.Now()),
		IssuerKid:       root.Kid,
		Scope:           scopeSlug,
		ScopeIdentifier: scopeIdentifier,
	}

	canonical, err := doc.Canonical()
	if err != nil {
		return nil, err
	}

	sig := cryptoutil.Sign(rootPriv, canonical)

	return &Envelope{
		Certificate: doc,
		Signature:   base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyCertificate resolves the issuer by issuer_kid, requires it to be
// Active, recomputes the canonical encoding, and checks the signature.
func (a *Authority) VerifyCertificate(ctx context.Context, env *Envelope) (bool, error) {
	issuer, err := a.keys.FindByKid(ctx, env.Certificate.IssuerKid)
	if err != nil {
		return false, err
	}
	if issuer.Status != keystore.StatusActive {
		return false, licenseerr.ErrCertificateInvalid
	}

	canonical, err := env.Certificate.Canonical()
	if err != nil {
		return false, err
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return false, licenseerr.ErrCertificateInvalid
	}

	if !cryptoutil.Verify(issuer.PublicKey, canonical, sig) {
		return false, licenseerr.ErrCertificateInvalid
	}
	return true, nil
}

// RootDescriptor is the trimmed root fact set a chain exposes to callers
// who should never see the root's private material.
type RootDescriptor struct {
	Kid        string            `json:"kid"`
	PublicKey  ed25519.PublicKey `json:"public_key"`
	ValidFrom  time.Time         `json:"valid_from"`
	ValidUntil *time.Time        `json:"valid_until,omitempty"`
}

// Chain is the signing certificate plus the root descriptor it chains to.
type Chain struct {
	Signing *Envelope
	Root    RootDescriptor
}

// ChainFor resolves the full chain for a signing key kid: its certificate
// envelope (read back from the key row) plus its issuer's descriptor.
func (a *Authority) ChainFor(ctx context.Context, kid string) (*Chain, error) {
	signingKey, err := a.keys.FindByKid(ctx, kid)
	if err != nil {
		return nil, err
	}
	if len(signingKey.Certificate) == 0 {
		return nil, licenseerr.ErrCertificateInvalid
	}

	var env Envelope
	if err := json.Unmarshal(signingKey.Certificate, &env); err != nil {
		return nil, fmt.Errorf("ca: parse stored certificate: %w", err)
	}

	root, err := a.keys.FindByKid(ctx, env.Certificate.IssuerKid)
	if err != nil {
		return nil, err
	}

	return &Chain{
		Signing: &env,
		Root: RootDescriptor{
			Kid:        root.Kid,
			PublicKey:  root.PublicKey,
			ValidFrom:  root.ValidFrom,
			ValidUntil: root.ValidUntil,
		},
	}, nil
}
