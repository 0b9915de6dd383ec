package cache

import "fmt"

// Cache key prefixes
const (
	PrefixBundle = "bundle"
	PrefixKey    = "key"
	PrefixScope  = "scope"
)

// BundleByScopeKey addresses the cached public-key bundle for a scope slug.
// The global scope's bundle is cached under slug "global".
func BundleByScopeKey(scopeSlug string) string {
	return fmt.Sprintf("%s:scope:%s", PrefixBundle, scopeSlug)
}

// ActiveSigningKeyKey addresses the cached active signing key lookup for a scope.
func ActiveSigningKeyKey(scopeSlug string) string {
	return fmt.Sprintf("%s:active-signing:%s", PrefixKey, scopeSlug)
}

// ScopeBySlugKey addresses a cached Scope row lookup by slug.
func ScopeBySlugKey(slug string) string {
	return fmt.Sprintf("%s:slug:%s", PrefixScope, slug)
}

// BundleCacheKeys returns every cache entry that must be invalidated when a
// scope's key material changes (rotation, revocation, new certificate).
func BundleCacheKeys(scopeSlug string) []string {
	return []string{
		BundleByScopeKey(scopeSlug),
		ActiveSigningKeyKey(scopeSlug),
	}
}
