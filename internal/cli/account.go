// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-credvault.
//
// go-credvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-credvault/internal/app"
	"github.com/jeremyhahn/go-credvault/pkg/migration"
)

func newAccountCmd(s *session) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Account key operations",
		Long:  `Set up, rotate, migrate and inspect per-account encryption keys`,
	}
	accountCmd.AddCommand(
		newAccountSetupCmd(s),
		newAccountStatusCmd(s),
		newAccountRotateCmd(s),
		newAccountMigrateCmd(s),
		newAccountUnlockCmd(s),
	)
	return accountCmd
}

func newAccountSetupCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup <account-id>",
		Short: "Create the account key",
		Long: `Generate the account key and wrap it under a new passphrase.

With --hybrid the account starts on the v2 scheme: a DEK minted by the
configured KMS and wrapped under both the server master key and the
passphrase.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID := args[0]
			hybrid, _ := cmd.Flags().GetBool("hybrid")

			pass, err := s.newPassphrase("New passphrase")
			if err != nil {
				return err
			}
			defer pass.Clear()

			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if hybrid {
					err = a.Keystore.SetupHybrid(ctx, accountID, pass)
				} else {
					err = a.Keystore.Setup(ctx, accountID, pass)
				}
				if err != nil {
					return fmt.Errorf("failed to set up account: %w", err)
				}
				return s.printer().PrintSuccess(fmt.Sprintf("Account %s set up", accountID))
			})
		},
	}
	cmd.Flags().Bool("hybrid", false, "use the KMS-backed v2 scheme")
	return cmd
}

func newAccountStatusCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "status <account-id>",
		Short: "Show the account key state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Keystore.Status(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get account status: %w", err)
				}
				return s.printer().PrintAccountStatus(st)
			})
		},
	}
}

func newAccountRotateCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <account-id>",
		Short: "Change the account passphrase",
		Long: `Re-wrap the account key under a new passphrase. The key itself is
unchanged, so existing credentials stay readable. Every device wrap is
reissued under the new key epoch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID := args[0]
			oldPass, err := s.passphrase(accountID)
			if err != nil {
				return err
			}
			defer oldPass.Clear()
			newPass, err := s.newPassphrase("New passphrase")
			if err != nil {
				return err
			}
			defer newPass.Clear()

			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Keystore.Rotate(ctx, accountID, oldPass, newPass); err != nil {
					return fmt.Errorf("failed to rotate passphrase: %w", err)
				}
				return s.printer().PrintSuccess(fmt.Sprintf("Passphrase rotated for %s", accountID))
			})
		},
	}
}

func newAccountMigrateCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate <account-id>",
		Short: "Migrate the account to the v2 scheme",
		Long: `Move a v1 account to the KMS-backed v2 scheme. Every credential blob
is re-encrypted under the new DEK and every device wrap is reissued.

Use --plan to see what would change without touching the account.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID := args[0]
			planOnly, _ := cmd.Flags().GetBool("plan")
			skipVerify, _ := cmd.Flags().GetBool("skip-verify")

			if planOnly {
				return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
					plan, err := a.Migration.Plan(ctx, accountID)
					if err != nil {
						return fmt.Errorf("failed to create migration plan: %w", err)
					}
					return s.printer().PrintMigrationPlan(plan)
				})
			}

			pass, err := s.passphrase(accountID)
			if err != nil {
				return err
			}
			defer pass.Clear()

			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, err := a.Migration.Migrate(ctx, accountID, pass, &migration.Options{
					SkipVerification: skipVerify,
				})
				if errors.Is(err, migration.ErrCommitted) && result != nil {
					if perr := s.printer().PrintMigrationResult(result); perr != nil {
						return perr
					}
				}
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				return s.printer().PrintMigrationResult(result)
			})
		},
	}
	cmd.Flags().Bool("plan", false, "show the migration plan only")
	cmd.Flags().Bool("skip-verify", false, "skip the post-migration unwrap check")
	return cmd
}

func newAccountUnlockCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <account-id>",
		Short: "Clear a lockout",
		Long:  `Reset the failed attempt counter and clear any active lockout`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Guard.Reset(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to unlock account: %w", err)
				}
				return s.printer().PrintSuccess(fmt.Sprintf("Account %s unlocked", args[0]))
			})
		},
	}
}
