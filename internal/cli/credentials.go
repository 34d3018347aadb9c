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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-credvault/internal/app"
	"github.com/jeremyhahn/go-credvault/pkg/credvault"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

func newCredentialsCmd(s *session) *cobra.Command {
	credentialsCmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Provider credential operations",
		Long:    `Store, read, list and delete the IPTV provider credentials of an account`,
	}
	credentialsCmd.AddCommand(
		newCredentialsPutCmd(s),
		newCredentialsGetCmd(s),
		newCredentialsListCmd(s),
		newCredentialsDeleteCmd(s),
	)
	return credentialsCmd
}

func newCredentialsPutCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <account-id> --server <url> --username <user>",
		Short: "Encrypt and store provider credentials",
		Long: `Encrypt provider credentials under the account key. The provider
password is prompted for and never taken from a flag.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID := args[0]
			name, _ := cmd.Flags().GetString("name")
			server, _ := cmd.Flags().GetString("server")
			username, _ := cmd.Flags().GetString("username")
			if server == "" || username == "" {
				return fmt.Errorf("both --server and --username flags are required")
			}

			pass, err := s.passphrase(accountID)
			if err != nil {
				return err
			}
			defer pass.Clear()
			providerPass, err := s.prompter.Read("Provider password: ")
			if err != nil {
				return err
			}
			defer providerPass.Clear()
			secret, err := providerPass.String()
			if err != nil {
				return err
			}

			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				creds := &types.IPTVCredentials{
					Server:   server,
					Username: username,
					Password: secret,
				}
				if err := a.Vault.PutCredentials(ctx, accountID, pass, name, creds); err != nil {
					return fmt.Errorf("failed to store credentials: %w", err)
				}
				return s.printer().PrintSuccess(fmt.Sprintf("Credentials %s stored for %s", name, accountID))
			})
		},
	}
	cmd.Flags().String("name", credvault.DefaultCredentialName, "credential name")
	cmd.Flags().String("server", "", "provider server URL")
	cmd.Flags().String("username", "", "provider username")
	return cmd
}

func newCredentialsGetCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <account-id>",
		Short: "Decrypt provider credentials",
		Long: `Decrypt provider credentials with the account passphrase. With
--device the key is unwrapped through that device's wrap instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID := args[0]
			name, _ := cmd.Flags().GetString("name")
			deviceID, _ := cmd.Flags().GetString("device")

			pass, err := s.passphrase(accountID)
			if err != nil {
				return err
			}
			defer pass.Clear()

			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var creds *types.IPTVCredentials
				if deviceID != "" {
					creds, err = a.Vault.GetCredentialsWithDevice(ctx, accountID, deviceID, pass, name)
				} else {
					creds, err = a.Vault.GetCredentials(ctx, accountID, pass, name)
				}
				if err != nil {
					return fmt.Errorf("failed to read credentials: %w", err)
				}
				return s.printer().PrintCredentials(name, creds)
			})
		},
	}
	cmd.Flags().String("name", credvault.DefaultCredentialName, "credential name")
	cmd.Flags().String("device", "", "unlock through this device's wrap")
	return cmd
}

func newCredentialsListCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "list <account-id>",
		Short: "List stored credential names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				names, err := a.Vault.List(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to list credentials: %w", err)
				}
				return s.printer().PrintCredentialNames(names)
			})
		},
	}
}

func newCredentialsDeleteCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <account-id>",
		Short: "Delete stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID := args[0]
			name, _ := cmd.Flags().GetString("name")

			pass, err := s.passphrase(accountID)
			if err != nil {
				return err
			}
			defer pass.Clear()

			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Vault.Delete(ctx, accountID, pass, name); err != nil {
					return fmt.Errorf("failed to delete credentials: %w", err)
				}
				return s.printer().PrintSuccess(fmt.Sprintf("Credentials %s deleted for %s", name, accountID))
			})
		},
	}
	cmd.Flags().String("name", credvault.DefaultCredentialName, "credential name")
	return cmd
}
