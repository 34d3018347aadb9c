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
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

func newDeviceCmd(s *session) *cobra.Command {
	deviceCmd := &cobra.Command{
		Use:   "device",
		Short: "Device key operations",
		Long: `Register, validate and remove the devices of an account.

Device classes (--class):
  - tv:      smart TVs and set-top boxes (lowest KDF cost)
  - web:     browsers
  - mobile:  phones, optionally refined as android or ios`,
	}
	deviceCmd.AddCommand(
		newDeviceRegisterCmd(s),
		newDeviceListCmd(s),
		newDeviceValidateCmd(s),
		newDeviceRemoveCmd(s),
		newDeviceReactivateCmd(s),
	)
	return deviceCmd
}

func newDeviceRegisterCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <account-id> <device-id>",
		Short: "Register a device",
		Long: `Wrap the account key for a device under a KEK whose cost matches the
device class. Registration fails once the account's tier ceiling is reached.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, deviceID := args[0], args[1]
			class, _ := cmd.Flags().GetString("class")
			profile, err := types.ParseDeviceProfile(class)
			if err != nil {
				return err
			}

			pass, err := s.passphrase(accountID)
			if err != nil {
				return err
			}
			defer pass.Clear()

			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				dev, err := a.Devices.Register(ctx, accountID, deviceID, profile, pass)
				if err != nil {
					return fmt.Errorf("failed to register device: %w", err)
				}
				return s.printer().PrintDevice(dev)
			})
		},
	}
	cmd.Flags().String("class", string(types.DeviceClassWeb), "device class (tv, web, mobile, android, ios)")
	return cmd
}

func newDeviceListCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "list <account-id>",
		Short: "List devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				devices, err := a.Devices.List(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to list devices: %w", err)
				}
				return s.printer().PrintDeviceList(devices)
			})
		},
	}
}

func newDeviceValidateCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <account-id> <device-id>",
		Short: "Check a device against the account",
		Long:  `Report whether a device is active, stale, inactive or unknown and whether a new device could still register`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				v, err := a.Devices.Validate(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("failed to validate device: %w", err)
				}
				return s.printer().PrintValidation(args[1], v)
			})
		},
	}
}

func newDeviceRemoveCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <account-id> <device-id>",
		Short: "Deactivate a device",
		Long:  `Soft-delete a device. Its slot is freed and it can be reactivated later.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Devices.Remove(ctx, args[0], args[1]); err != nil {
					return fmt.Errorf("failed to remove device: %w", err)
				}
				return s.printer().PrintSuccess(fmt.Sprintf("Device %s removed", args[1]))
			})
		},
	}
}

func newDeviceReactivateCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate <account-id> <device-id>",
		Short: "Reactivate a removed device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, deviceID := args[0], args[1]
			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var pass types.Password
				if a.Config.Devices.ReactivationNeedsPassphrase() {
					p, err := s.passphrase(accountID)
					if err != nil {
						return err
					}
					defer p.Clear()
					pass = p
				}

				dev, err := a.Devices.Reactivate(ctx, accountID, deviceID, pass)
				if err != nil {
					return fmt.Errorf("failed to reactivate device: %w", err)
				}
				return s.printer().PrintDevice(dev)
			})
		},
	}
}
