package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/licenseforge/licenseforge/internal/licensing/bundle"
	"github.com/licenseforge/licenseforge/internal/licensing/keystore"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

func newKeysMakeRootCmd(a **app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keys:make-root",
		Short: "Create the root signing authority key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app := *a

			if !app.passphrase.IsSet() {
				return fail(3, errors.New("licensing key passphrase is not configured"))
			}

			existing, err := app.keys.FindActiveRoot(ctx)
			if err == nil {
				if !force {
					return fail(1, fmt.Errorf("an active root key already exists: %s (use --force to replace it)", existing.Kid))
				}
				if _, err := app.keys.Revoke(ctx, existing.Kid, keystore.ReasonRoutine, time.Now()); err != nil {
					return fail(3, fmt.Errorf("revoke existing root: %w", err))
				}
			} else if !errors.Is(err, licenseerr.ErrKeyNotFound) {
				return fail(3, err)
			}

			root, err := app.keys.Create(ctx, keystore.TypeRoot, nil, time.Now(), nil)
			if err != nil {
				return fail(3, fmt.Errorf("create root key: %w", err))
			}

			fmt.Printf("created root key %s\n", root.Kid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "revoke and replace an existing active root key")
	return cmd
}

func newKeysIssueSigningCmd(a **app) *cobra.Command {
	var scopeSlug, nbf, exp, kid string
	var days int

	cmd := &cobra.Command{
		Use:   "keys:issue-signing",
		Short: "Issue a new signing key certified by the active root",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app := *a

			var scopeID *uuid.UUID
			var slugPtr *string
			if scopeSlug != "" {
				s, err := app.scopes.FindBySlug(ctx, scopeSlug)
				if err != nil {
					if errors.Is(err, licenseerr.ErrScopeNotFound) {
						return fail(2, err)
					}
					return fail(3, err)
				}
				id := s.ID
				scopeID = &id
				slugPtr = &scopeSlug
			}

			validFrom, err := parseTimeFlag(nbf)
			if err != nil {
				return fail(1, err)
			}
			from := time.Now()
			if validFrom != nil {
				from = *validFrom
			}

			validUntil, err := parseTimeFlag(exp)
			if err != nil {
				return fail(1, err)
			}
			if validUntil == nil && days > 0 {
				t := from.Add(time.Duration(days) * 24 * time.Hour)
				validUntil = &t
			}

			key, err := app.keys.CreateWithKid(ctx, keystore.TypeSigning, kid, scopeID, from, validUntil)
			if err != nil {
				return fail(3, fmt.Errorf("create signing key: %w", err))
			}

			env, err := app.authority.IssueSigningCertificate(ctx, key.PublicKey, key.Kid, from, validUntil, slugPtr, scopeID)
			if err != nil {
				return fail(3, fmt.Errorf("issue certificate: %w", err))
			}
			certJSON, err := json.Marshal(env)
			if err != nil {
				return fail(3, err)
			}
			key.Certificate = certJSON
			if err := app.keys.UpdateCertificate(ctx, key); err != nil {
				return fail(3, fmt.Errorf("persist certificate: %w", err))
			}

			fmt.Printf("issued signing key %s\n", key.Kid)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeSlug, "scope", "", "scope slug to bind the signing key to (empty for global)")
	cmd.Flags().StringVar(&nbf, "nbf", "", "validity start, RFC3339 (default now)")
	cmd.Flags().StringVar(&exp, "exp", "", "validity end, RFC3339 (default none)")
	cmd.Flags().IntVar(&days, "days", 0, "validity length in days, ignored if --exp is set")
	cmd.Flags().StringVar(&kid, "kid", "", "explicit key id (default: generated)")
	return cmd
}

func newKeysRotateCmd(a **app) *cobra.Command {
	var scopeSlug, reason string

	cmd := &cobra.Command{
		Use:   "keys:rotate",
		Short: "Rotate a scope's signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app := *a

			if reason != keystore.ReasonRoutine && reason != keystore.ReasonCompromised {
				return fail(1, fmt.Errorf("bad --reason %q, want %q or %q", reason, keystore.ReasonRoutine, keystore.ReasonCompromised))
			}

			var scopeID uuid.UUID
			if scopeSlug == "" {
				global, err := app.scopes.GlobalScope(ctx)
				if err != nil {
					return fail(3, err)
				}
				scopeID = global.ID
			} else {
				found, err := app.scopes.FindBySlug(ctx, scopeSlug)
				if err != nil {
					if errors.Is(err, licenseerr.ErrScopeNotFound) {
						return fail(2, err)
					}
					return fail(3, err)
				}
				scopeID = found.ID
			}

			key, err := app.scopes.RotateKeys(ctx, scopeID, reason, time.Now())
			if err != nil {
				if errors.Is(err, licenseerr.ErrKeyNotFound) {
					return fail(2, fmt.Errorf("rotate keys: %w", err))
				}
				return fail(3, fmt.Errorf("rotate keys: %w", err))
			}

			fmt.Printf("rotated to new signing key %s\n", key.Kid)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeSlug, "scope", "", "scope slug to rotate (default: global)")
	cmd.Flags().StringVar(&reason, "reason", keystore.ReasonRoutine, "rotation reason: routine or compromised")
	return cmd
}

func newKeysRevokeCmd(a **app) *cobra.Command {
	var reason, at string

	cmd := &cobra.Command{
		Use:   "keys:revoke [kid]",
		Short: "Revoke a key by kid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app := *a
			kid := args[0]

			when := time.Now()
			if parsed, err := parseTimeFlag(at); err != nil {
				return fail(1, err)
			} else if parsed != nil {
				when = *parsed
			}

			if _, err := app.keys.Revoke(ctx, kid, reason, when); err != nil {
				return fail(2, err)
			}

			fmt.Printf("revoked key %s\n", kid)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", keystore.ReasonRoutine, "revocation reason")
	cmd.Flags().StringVar(&at, "at", "", "revocation instant, RFC3339 (default now)")
	return cmd
}

func newKeysListCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys:list",
		Short: "List every key in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app := *a

			keys, err := app.keys.ListAll(ctx)
			if err != nil {
				return fail(3, err)
			}

			for _, k := range keys {
				scope := "global"
				if k.ScopeID != nil {
					scope = k.ScopeID.String()
				}
				fmt.Printf("%s\t%s\t%s\tscope=%s\tvalid_from=%s\n",
					k.Kid, k.Type, k.Status, scope, k.ValidFrom.Format(time.RFC3339))
			}
			return nil
		},
	}
	return cmd
}

// jwk is the minimal OKP JSON Web Key representation of one Ed25519
// signing key, for operators integrating with JWKS-aware tooling. X5c,
// when present, carries the key's certificate envelope (base64-encoded,
// mirroring the standard x5c chain field) so a client that pinned only
// the root can still validate the signing key without a separate fetch.
type jwk struct {
	Kty string   `json:"kty"`
	Crv string   `json:"crv"`
	Kid string   `json:"kid"`
	X   string   `json:"x"`
	X5c []string `json:"x5c,omitempty"`
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

func toJWKS(b *bundle.Bundle) jwksDoc {
	doc := jwksDoc{}
	for _, k := range b.Signing {
		key := jwk{
			Kty: "OKP",
			Crv: "Ed25519",
			Kid: k.Kid,
			X:   base64URLNoPad(k.PublicKey),
		}
		if len(k.Certificate) > 0 {
			key.X5c = []string{base64.StdEncoding.EncodeToString(k.Certificate)}
		}
		doc.Keys = append(doc.Keys, key)
	}
	return doc
}

// stripChain returns a copy of b with every signing key's certificate
// envelope cleared, for --include-chain=false exports that want only the
// bare public keys.
func stripChain(b *bundle.Bundle) *bundle.Bundle {
	out := *b
	out.Signing = make([]bundle.SigningKey, len(b.Signing))
	for i, k := range b.Signing {
		k.Certificate = nil
		out.Signing[i] = k
	}
	return &out
}

func base64URLNoPad(raw string) string {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return raw
	}
	return base64.RawURLEncoding.EncodeToString(decoded)
}

func newKeysExportCmd(a **app) *cobra.Command {
	var scopeSlug, format string
	var includeChain bool

	cmd := &cobra.Command{
		Use:   "keys:export",
		Short: "Export the public-key bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app := *a

			var scopeID *uuid.UUID
			if scopeSlug != "" {
				s, err := app.scopes.FindBySlug(ctx, scopeSlug)
				if err != nil {
					if errors.Is(err, licenseerr.ErrScopeNotFound) {
						return fail(2, err)
					}
					return fail(3, err)
				}
				id := s.ID
				scopeID = &id
			}

			b, err := app.bundler.ForScope(ctx, scopeID, scopeSlug)
			if err != nil {
				return fail(3, err)
			}
			if !includeChain {
				b = stripChain(b)
			}

			switch format {
			case "", "json":
				out, err := json.MarshalIndent(b, "", "  ")
				if err != nil {
					return fail(3, err)
				}
				fmt.Println(string(out))
			case "jwks":
				out, err := json.MarshalIndent(toJWKS(b), "", "  ")
				if err != nil {
					return fail(3, err)
				}
				fmt.Println(string(out))
			default:
				return fail(1, fmt.Errorf("bad --format %q, want json or jwks", format))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeSlug, "scope", "", "scope slug to export (empty for global)")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or jwks")
	cmd.Flags().BoolVar(&includeChain, "include-chain", false, "include each signing key's certificate chain in the export")
	return cmd
}
