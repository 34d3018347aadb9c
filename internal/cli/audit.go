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
	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
)

func newAuditCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <account-id>",
		Short: "Show the audit trail of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			failed, _ := cmd.Flags().GetBool("failed")
			ops, _ := cmd.Flags().GetStringSlice("operation")

			query := &audit.Query{
				AccountID: args[0],
				Limit:     limit,
			}
			for _, op := range ops {
				query.Operations = append(query.Operations, audit.Operation(op))
			}
			if failed {
				success := false
				query.Success = &success
			}

			return s.withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Auditor.Query(ctx, query)
				if err != nil {
					return fmt.Errorf("failed to query audit log: %w", err)
				}
				return s.printer().PrintAuditEntries(entries)
			})
		},
	}
	cmd.Flags().Int("limit", 50, "maximum number of entries")
	cmd.Flags().Bool("failed", false, "only failed attempts")
	cmd.Flags().StringSlice("operation", nil, "filter by operation (setup, encrypt, decrypt, rekey, migrate, register, remove, reactivate)")
	return cmd
}
