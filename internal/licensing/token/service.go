package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/licenseforge/licenseforge/internal/licensing/ca"
	"github.com/licenseforge/licenseforge/internal/licensing/keystore"
	"github.com/licenseforge/licenseforge/internal/licensing/license"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
	"github.com/licenseforge/licenseforge/internal/licensing/usage"
)

// Service issues and verifies license tokens.
type Service struct {
	keys      *keystore.Store
	authority *ca.Authority
	issuer    string
}

// New builds a Service. issuer is the constant "iss" claim every token
// this service issues and verifies carries.
func New(keys *keystore.Store, authority *ca.Authority, issuer string) *Service {
	return &Service{keys: keys, authority: authority, issuer: issuer}
}

// VerifyOptions adjusts the checks Verify and VerifyOffline apply.
type VerifyOptions struct {
	// Subject, when non-empty, must match the token's sub claim exactly.
	Subject string
	// Now is the instant to check the token's time claims against.
	// Defaults to time.Now() when zero.
	Now time.Time
	// ClockSkew tolerates a token whose nbf is up to this far in the
	// future, or whose iat is up to this far ahead of Now.
	ClockSkew time.Duration
	// SkipForceOnlineCheck bypasses the force_online_after enforcement,
	// for callers that have already done an online check this cycle.
	SkipForceOnlineCheck bool
}

func (o VerifyOptions) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// Issue builds and signs a token for the given license and usage, using
// the scope's Active signing key (falling back to the global signing key
// when the scope has none and allowFallback semantics apply).
func (s *Service) Issue(ctx context.Context, lic *license.License, u *usage.Usage, policy license.ResolvedPolicy, extra map[string]any, now time.Time) (string, error) {
	signingKey, err := s.keys.FindActiveSigning(ctx, lic.ScopeID, true)
	if err != nil {
		return "", fmt.Errorf("%w", licenseerr.ErrNoActiveSigningKey)
	}

	priv, err := s.keys.Passphrase().OpenPrivateKey(signingKey.PrivateKeyEncrypted)
	if err != nil {
		return "", fmt.Errorf("token: open signing private key: %w", err)
	}

	chain, err := s.authority.ChainFor(ctx, signingKey.Kid)
	if err != nil {
		return "", fmt.Errorf("token: resolve chain: %w", err)
	}

	ttl := time.Duration(policy.TokenTTLDays) * 24 * time.Hour
	claims := Claims{
		Issuer:           s.issuer,
		Subject:          lic.ID.String(),
		IssuedAt:         now,
		NotBefore:        now,
		Expiration:       now.Add(ttl),
		Kid:              signingKey.Kid,
		LicenseID:        lic.ID.String(),
		LicenseKeyHash:   hex.EncodeToString(lic.KeyHash),
		UsageFingerprint: u.Fingerprint,
		Status:           string(lic.Status),
		MaxUsages:        lic.MaxUsages,
		Extra:            extra,
	}
	if policy.ForceOnlineAfterDays > 0 {
		t := now.Add(time.Duration(policy.ForceOnlineAfterDays) * 24 * time.Hour)
		claims.ForceOnlineAfter = &t
	}
	if lic.ExpiresAt != nil {
		claims.LicenseExpiresAt = lic.ExpiresAt
		if policy.GraceDays > 0 {
			t := lic.ExpiresAt.Add(time.Duration(policy.GraceDays) * 24 * time.Hour)
			claims.GraceUntil = &t
		}
	}

	footer := Footer{Kid: signingKey.Kid, Chain: FooterChain{Signing: chain.Signing, Root: chain.Root}}

	return sign(priv, claims, footer)
}

func sign(priv ed25519.PrivateKey, claims Claims, footer Footer) (string, error) {
	payload, err := claims.marshalPayload()
	if err != nil {
		return "", err
	}
	footerJSON, err := json.Marshal(footer)
	if err != nil {
		return "", fmt.Errorf("token: marshal footer: %w", err)
	}

	message := pae([]byte(header), payload, footerJSON, nil)
	sig := ed25519.Sign(priv, message)

	body := append(append([]byte{}, payload...), sig...)
	encBody := base64.RawURLEncoding.EncodeToString(body)
	encFooter := base64.RawURLEncoding.EncodeToString(footerJSON)

	return header + encBody + "." + encFooter, nil
}

// parse splits a token string into its payload+signature and footer, and
// verifies its structure without checking the signature.
func parse(tok string) (payload, sig, footerJSON []byte, err error) {
	if !strings.HasPrefix(tok, header) {
		return nil, nil, nil, fmt.Errorf("%w: bad header", licenseerr.ErrMalformedToken)
	}
	rest := strings.TrimPrefix(tok, header)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return nil, nil, nil, fmt.Errorf("%w: missing footer segment", licenseerr.ErrMalformedToken)
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", licenseerr.ErrMalformedToken, err)
	}
	if len(body) < ed25519.SignatureSize {
		return nil, nil, nil, fmt.Errorf("%w: body too short", licenseerr.ErrMalformedToken)
	}
	payload = body[:len(body)-ed25519.SignatureSize]
	sig = body[len(body)-ed25519.SignatureSize:]

	footerJSON, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", licenseerr.ErrMalformedToken, err)
	}
	return payload, sig, footerJSON, nil
}

func checkClaims(c Claims, opts VerifyOptions) error {
	now := opts.now()
	skew := opts.ClockSkew

	if opts.Subject != "" && c.Subject != opts.Subject {
		return fmt.Errorf("%w: subject mismatch", licenseerr.ErrMalformedToken)
	}
	if now.After(c.Expiration) {
		return licenseerr.ErrMalformedToken
	}
	if c.NotBefore.After(now.Add(skew)) {
		return licenseerr.ErrMalformedToken
	}
	if c.IssuedAt.After(now.Add(skew)) {
		return licenseerr.ErrMalformedToken
	}
	if !opts.SkipForceOnlineCheck && c.ForceOnlineAfter != nil && now.After(*c.ForceOnlineAfter) {
		return licenseerr.ErrOnlineCheckRequired
	}
	return nil
}

// Verify checks a token's signature against the keystore's current record
// for its kid, requiring that key to still be Active.
func (s *Service) Verify(ctx context.Context, tok string, opts VerifyOptions) (*Claims, error) {
	payload, sig, footerJSON, err := parse(tok)
	if err != nil {
		return nil, err
	}

	var footer Footer
	if err := json.Unmarshal(footerJSON, &footer); err != nil {
		return nil, fmt.Errorf("%w: %v", licenseerr.ErrMalformedToken, err)
	}

	signingKey, err := s.keys.FindByKid(ctx, footer.Kid)
	if err != nil {
		return nil, err
	}
	if signingKey.Status != keystore.StatusActive {
		return nil, licenseerr.ErrSigningKeyRevoked
	}

	message := pae([]byte(header), payload, footerJSON, nil)
	if !ed25519.Verify(signingKey.PublicKey, message, sig) {
		return nil, licenseerr.ErrBadSignature
	}

	claims, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if claims.Issuer != s.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", licenseerr.ErrMalformedToken)
	}
	if err := checkClaims(claims, opts); err != nil {
		return nil, err
	}
	return &claims, nil
}

// VerifyOffline checks a token entirely from its own footer: the caller
// supplies the root public key it trusts, and VerifyOffline checks that
// the footer's root matches it, that the footer's certificate chains from
// that root to the signing key, and only then verifies the token
// signature under that signing key. No keystore or network access is
// involved, matching the offline verification story spec.md §4.6
// describes.
func (s *Service) VerifyOffline(tok string, rootPublicKey ed25519.PublicKey, opts VerifyOptions) (*Claims, error) {
	payload, sig, footerJSON, err := parse(tok)
	if err != nil {
		return nil, err
	}

	var footer Footer
	if err := json.Unmarshal(footerJSON, &footer); err != nil {
		return nil, fmt.Errorf("%w: %v", licenseerr.ErrMalformedToken, err)
	}
	if footer.Chain.Signing == nil {
		return nil, fmt.Errorf("%w: missing chain", licenseerr.ErrMalformedToken)
	}

	if !ed25519Equal(footer.Chain.Root.PublicKey, rootPublicKey) {
		return nil, licenseerr.ErrCertificateInvalid
	}

	canonical, err := footer.Chain.Signing.Certificate.Canonical()
	if err != nil {
		return nil, err
	}
	rootSig, err := base64.StdEncoding.DecodeString(footer.Chain.Signing.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseerr.ErrCertificateInvalid, err)
	}
	if !ed25519.Verify(rootPublicKey, canonical, rootSig) {
		return nil, licenseerr.ErrCertificateInvalid
	}

	signingPub, err := base64.StdEncoding.DecodeString(footer.Chain.Signing.Certificate.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseerr.ErrCertificateInvalid, err)
	}

	message := pae([]byte(header), payload, footerJSON, nil)
	if !ed25519.Verify(ed25519.PublicKey(signingPub), message, sig) {
		return nil, licenseerr.ErrBadSignature
	}

	claims, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if claims.Issuer != s.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", licenseerr.ErrMalformedToken)
	}
	if err := checkClaims(claims, opts); err != nil {
		return nil, err
	}
	return &claims, nil
}

func ed25519Equal(a, b ed25519.PublicKey) bool {
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

// Refresh issues a new token for lic and u with a fresh issued-at/expiry
// window; it is Issue under another name. It does not take or read the
// original token: the caller supplies the license and usage. It does not
// extend the license's own expiry or grace window.
func (s *Service) Refresh(ctx context.Context, lic *license.License, u *usage.Usage, policy license.ResolvedPolicy, extra map[string]any, now time.Time) (string, error) {
	return s.Issue(ctx, lic, u, policy, extra, now)
}
