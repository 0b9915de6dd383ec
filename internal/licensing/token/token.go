// Package token issues and verifies the public-key signed license tokens
// clients present for offline entitlement checks. The wire format follows
// the PASETO v4 public construction bit-for-bit so clients built against
// that standard can parse it without a licenseforge-specific library.
package token

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/licenseforge/licenseforge/internal/licensing/ca"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

// Version is the PASETO version tag this package reproduces.
const Version = "v4"

// Purpose is always "public": an asymmetric, non-encrypted token.
const Purpose = "public"

// header is the literal byte prefix every token starts with.
const header = Version + "." + Purpose + "."

// Claims is the parsed payload of an issued token.
type Claims struct {
	Issuer           string
	Subject          string
	IssuedAt         time.Time
	NotBefore        time.Time
	Expiration       time.Time
	Kid              string
	LicenseID        string
	LicenseKeyHash   string
	UsageFingerprint string
	Status           string
	MaxUsages        int64
	ForceOnlineAfter *time.Time
	LicenseExpiresAt *time.Time
	GraceUntil       *time.Time
	Extra            map[string]any
}

// reservedClaimNames always win over caller-supplied extras, per spec.md
// §4.6's merge rule.
var reservedClaimNames = map[string]bool{
	"iss": true, "sub": true, "iat": true, "nbf": true, "exp": true,
	"kid": true, "license_id": true, "license_key_hash": true,
	"usage_fingerprint": true, "status": true, "max_usages": true,
	"force_online_after": true, "license_expires_at": true, "grace_until": true,
}

func formatRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (c Claims) marshalPayload() ([]byte, error) {
	payload := make(map[string]any, len(c.Extra)+len(reservedClaimNames))
	for k, v := range c.Extra {
		if reservedClaimNames[k] {
			continue
		}
		payload[k] = v
	}
	payload["iss"] = c.Issuer
	payload["sub"] = c.Subject
	payload["iat"] = formatRFC3339(c.IssuedAt)
	payload["nbf"] = formatRFC3339(c.NotBefore)
	payload["exp"] = formatRFC3339(c.Expiration)
	payload["kid"] = c.Kid
	payload["license_id"] = c.LicenseID
	payload["license_key_hash"] = c.LicenseKeyHash
	payload["usage_fingerprint"] = c.UsageFingerprint
	payload["status"] = c.Status
	payload["max_usages"] = c.MaxUsages
	if c.ForceOnlineAfter != nil {
		payload["force_online_after"] = formatRFC3339(*c.ForceOnlineAfter)
	}
	if c.LicenseExpiresAt != nil {
		payload["license_expires_at"] = formatRFC3339(*c.LicenseExpiresAt)
	}
	if c.GraceUntil != nil {
		payload["grace_until"] = formatRFC3339(*c.GraceUntil)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("token: marshal payload: %w", err)
	}
	return b, nil
}

type rawPayload struct {
	Issuer           string  `json:"iss"`
	Subject          string  `json:"sub"`
	IssuedAt         string  `json:"iat"`
	NotBefore        string  `json:"nbf"`
	Expiration       string  `json:"exp"`
	Kid              string  `json:"kid"`
	LicenseID        string  `json:"license_id"`
	LicenseKeyHash   string  `json:"license_key_hash"`
	UsageFingerprint string  `json:"usage_fingerprint"`
	Status           string  `json:"status"`
	MaxUsages        int64   `json:"max_usages"`
	ForceOnlineAfter *string `json:"force_online_after,omitempty"`
	LicenseExpiresAt *string `json:"license_expires_at,omitempty"`
	GraceUntil       *string `json:"grace_until,omitempty"`
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func unmarshalPayload(b []byte) (Claims, error) {
	var raw rawPayload
	if err := json.Unmarshal(b, &raw); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", licenseerr.ErrMalformedToken, err)
	}

	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", licenseerr.ErrMalformedToken, err)
	}
	extra := make(map[string]any)
	for k, v := range all {
		if !reservedClaimNames[k] {
			extra[k] = v
		}
	}

	c := Claims{
		Issuer:           raw.Issuer,
		Subject:          raw.Subject,
		Kid:              raw.Kid,
		LicenseID:        raw.LicenseID,
		LicenseKeyHash:   raw.LicenseKeyHash,
		UsageFingerprint: raw.UsageFingerprint,
		Status:           raw.Status,
		MaxUsages:        raw.MaxUsages,
		Extra:            extra,
	}

	var err error
	if c.IssuedAt, err = parseTime(raw.IssuedAt); err != nil {
		return Claims{}, fmt.Errorf("%w: iat: %v", licenseerr.ErrMalformedToken, err)
	}
	if c.NotBefore, err = parseTime(raw.NotBefore); err != nil {
		return Claims{}, fmt.Errorf("%w: nbf: %v", licenseerr.ErrMalformedToken, err)
	}
	if c.Expiration, err = parseTime(raw.Expiration); err != nil {
		return Claims{}, fmt.Errorf("%w: exp: %v", licenseerr.ErrMalformedToken, err)
	}
	if raw.ForceOnlineAfter != nil {
		t, err := parseTime(*raw.ForceOnlineAfter)
		if err != nil {
			return Claims{}, fmt.Errorf("%w: force_online_after: %v", licenseerr.ErrMalformedToken, err)
		}
		c.ForceOnlineAfter = &t
	}
	if raw.LicenseExpiresAt != nil {
		t, err := parseTime(*raw.LicenseExpiresAt)
		if err != nil {
			return Claims{}, fmt.Errorf("%w: license_expires_at: %v", licenseerr.ErrMalformedToken, err)
		}
		c.LicenseExpiresAt = &t
	}
	if raw.GraceUntil != nil {
		t, err := parseTime(*raw.GraceUntil)
		if err != nil {
			return Claims{}, fmt.Errorf("%w: grace_until: %v", licenseerr.ErrMalformedToken, err)
		}
		c.GraceUntil = &t
	}
	return c, nil
}

// Footer is the unencrypted, unsigned-but-authenticated-by-PAE metadata a
// token carries alongside its payload: which key signed it and the
// certificate chain a client needs to validate that key against a root it
// trusts.
type Footer struct {
	Kid   string      `json:"kid"`
	Chain FooterChain `json:"chain"`
}

// FooterChain carries the signing certificate envelope and the descriptor
// of the root that issued it.
type FooterChain struct {
	Signing *ca.Envelope      `json:"signing"`
	Root    ca.RootDescriptor `json:"root"`
}

// le64 encodes n as an 8-byte little-endian integer with the top bit
// cleared, matching PASETO's PAE length-prefix encoding.
func le64(n int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(n)&0x7fffffffffffffff)
	return b
}

// pae implements PASETO's Pre-Authentication Encoding: a length-prefixed
// concatenation of each piece, itself prefixed by the piece count. This is
// the exact byte sequence Ed25519 signs and verifies.
func pae(pieces ...[]byte) []byte {
	out := le64(len(pieces))
	for _, p := range pieces {
		out = append(out, le64(len(p))...)
		out = append(out, p...)
	}
	return out
}
