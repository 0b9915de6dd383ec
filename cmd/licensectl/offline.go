package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
	"github.com/licenseforge/licenseforge/internal/licensing/usage"
)

func newOfflineIssueCmd(a **app) *cobra.Command {
	var licenseKey, fingerprint, ttl string

	cmd := &cobra.Command{
		Use:   "offline:issue",
		Short: "Issue an offline verification token for one license and device",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app := *a

			if licenseKey == "" || fingerprint == "" {
				return fail(1, errors.New("--license and --fingerprint are required"))
			}

			keyHash := app.codec.Hash(licenseKey)
			lic, err := app.licenses.FindByKeyHash(ctx, keyHash)
			if err != nil {
				if errors.Is(err, licenseerr.ErrLicenseNotFound) {
					return fail(2, err)
				}
				return fail(3, err)
			}
			if !lic.IsUsable() {
				return fail(3, licenseerr.ErrLicenseNotUsable)
			}

			now := time.Now()
			policy := app.licenses.ResolvedPolicyFor(lic, app.cfg.LicenseDefaults())

			if ttl != "" {
				days, err := parseDays(ttl)
				if err != nil {
					return fail(1, err)
				}
				policy.TokenTTLDays = days
			}

			u, err := app.usages.Register(ctx, lic.ID, fingerprint, usage.Metadata{ClientType: "offline"}, policy, now)
			if err != nil {
				switch {
				case errors.Is(err, licenseerr.ErrLimitReached),
					errors.Is(err, licenseerr.ErrFingerprintInUseGlobally),
					errors.Is(err, licenseerr.ErrLicenseNotUsable):
					return fail(2, err)
				default:
					return fail(3, err)
				}
			}

			tok, err := app.tokens.Issue(ctx, lic, u, policy, nil, now)
			if err != nil {
				return fail(3, fmt.Errorf("issue token: %w", err))
			}

			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&licenseKey, "license", "", "license activation key")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "device/client fingerprint")
	cmd.Flags().StringVar(&ttl, "ttl", "", "token TTL override, form <N>d")
	return cmd
}
