// Package licenseerr centralizes the error kinds that cross component
// boundaries, so the token service, registrar, and CLI can map any of them
// to exit codes or log fields without importing every leaf package.
package licenseerr

import "errors"

var (
	// ErrInvalidKey is returned by the key codec when verification fails.
	ErrInvalidKey = errors.New("licenseerr: invalid license key")

	// ErrLicenseNotFound is returned by a license lookup that finds nothing.
	ErrLicenseNotFound = errors.New("licenseerr: license not found")

	// ErrLicenseNotUsable is returned by any operation requiring a license
	// in Active or Grace state.
	ErrLicenseNotUsable = errors.New("licenseerr: license not usable")

	// ErrLimitReached is returned by the registrar when seat capacity is
	// exhausted and the over-limit policy is reject.
	ErrLimitReached = errors.New("licenseerr: usage limit reached")

	// ErrFingerprintInUseGlobally is returned when a fingerprint is already
	// Active under a different license and uniqueness is global.
	ErrFingerprintInUseGlobally = errors.New("licenseerr: fingerprint in use on another license")

	// ErrRevokedUsage is returned by heartbeat on a revoked usage.
	ErrRevokedUsage = errors.New("licenseerr: usage revoked")

	// ErrNoActiveSigningKey is returned by token issuance when no signing
	// key can be resolved.
	ErrNoActiveSigningKey = errors.New("licenseerr: no active signing key")

	// ErrSigningKeyRevoked is returned by token verification when the
	// signing key named in the footer is no longer Active.
	ErrSigningKeyRevoked = errors.New("licenseerr: signing key revoked")

	// ErrBadSignature is returned by token verification on a signature
	// mismatch.
	ErrBadSignature = errors.New("licenseerr: bad signature")

	// ErrOnlineCheckRequired is a soft verification failure: the token is
	// structurally and cryptographically valid but force_online_after has
	// passed.
	ErrOnlineCheckRequired = errors.New("licenseerr: online check required")

	// ErrKeystorePassphraseMissing is fatal to any operation that needs to
	// decrypt a private key and finds no passphrase cached.
	ErrKeystorePassphraseMissing = errors.New("licenseerr: keystore passphrase missing")

	// ErrCertificateInvalid is returned by certificate verification.
	ErrCertificateInvalid = errors.New("licenseerr: certificate invalid")

	// ErrAuditChainBroken is returned by the audit chain verifier.
	ErrAuditChainBroken = errors.New("licenseerr: audit chain broken")

	// ErrScopeNotFound is returned by scope lookups.
	ErrScopeNotFound = errors.New("licenseerr: scope not found")

	// ErrKeyNotFound is returned by key store lookups by kid.
	ErrKeyNotFound = errors.New("licenseerr: licensing key not found")

	// ErrMalformedToken is returned when a token envelope fails to parse.
	ErrMalformedToken = errors.New("licenseerr: malformed token")
)
