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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-credvault/pkg/device"
	"github.com/jeremyhahn/go-credvault/pkg/keystore"
	"github.com/jeremyhahn/go-credvault/pkg/migration"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return p.unknownFormat()
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// PrintAccountStatus prints an account's key state
func (p *Printer) PrintAccountStatus(st *keystore.Status) error {
	switch p.format {
	case OutputFormatJSON:
		info := map[string]interface{}{
			"account_id":      st.AccountID,
			"version":         st.Version.String(),
			"key_epoch":       st.KeyEpoch,
			"kdf":             st.KDF,
			"double_wrapped":  st.DoubleWrapped,
			"failed_attempts": st.FailedAttempts,
			"created_at":      st.CreatedAt,
			"updated_at":      st.UpdatedAt,
		}
		if st.LockedUntil != nil {
			info["locked_until"] = st.LockedUntil
		}
		if st.MigratedAt != nil {
			info["migrated_at"] = st.MigratedAt
		}
		return p.printJSON(info)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Account:         %s\n", st.AccountID)
		fmt.Fprintf(p.writer, "Scheme:          %s\n", st.Version)
		fmt.Fprintf(p.writer, "Key Epoch:       %d\n", st.KeyEpoch)
		fmt.Fprintf(p.writer, "KDF:             %s\n", formatKDF(st.KDF))
		fmt.Fprintf(p.writer, "Double Wrapped:  %t\n", st.DoubleWrapped)
		fmt.Fprintf(p.writer, "Failed Attempts: %d\n", st.FailedAttempts)
		if st.LockedUntil != nil {
			fmt.Fprintf(p.writer, "Locked Until:    %s\n", st.LockedUntil.Format(time.RFC3339))
		}
		if st.MigratedAt != nil {
			fmt.Fprintf(p.writer, "Migrated At:     %s\n", st.MigratedAt.Format(time.RFC3339))
		}
		return nil
	default:
		return p.unknownFormat()
	}
}

// PrintDeviceList prints an account's device records
func (p *Printer) PrintDeviceList(devices []*types.DeviceKeyRecord) error {
	switch p.format {
	case OutputFormatJSON:
		list := make([]map[string]interface{}, len(devices))
		for i, dev := range devices {
			list[i] = deviceJSON(dev)
		}
		return p.printJSON(map[string]interface{}{
			"devices": list,
		})
	case OutputFormatText:
		if len(devices) == 0 {
			fmt.Fprintln(p.writer, "No devices found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-24s %-16s %-10s %-12s %-6s\n", "DEVICE", "CLASS", "ACTIVE", "ITERATIONS", "EPOCH")
		fmt.Fprintln(p.writer, strings.Repeat("-", 72))
		for _, dev := range devices {
			fmt.Fprintf(p.writer, "%-24s %-16s %-10t %-12d %-6d\n",
				dev.DeviceID, profileOf(dev), dev.IsActive, dev.KDFIterations, dev.KeyEpoch)
		}
		return nil
	default:
		return p.unknownFormat()
	}
}

// PrintDevice prints a single device record
func (p *Printer) PrintDevice(dev *types.DeviceKeyRecord) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(deviceJSON(dev))
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Device:     %s\n", dev.DeviceID)
		fmt.Fprintf(p.writer, "Class:      %s\n", profileOf(dev))
		fmt.Fprintf(p.writer, "Active:     %t\n", dev.IsActive)
		fmt.Fprintf(p.writer, "Iterations: %d\n", dev.KDFIterations)
		fmt.Fprintf(p.writer, "Key Epoch:  %d\n", dev.KeyEpoch)
		return nil
	default:
		return p.unknownFormat()
	}
}

// PrintValidation prints the outcome of a device check
func (p *Printer) PrintValidation(deviceID string, v *device.Validation) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"device_id":         deviceID,
			"status":            v.Status,
			"can_auto_register": v.CanAutoRegister,
			"active_count":      v.ActiveCount,
			"max_devices":       v.MaxDevices,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Device:            %s\n", deviceID)
		fmt.Fprintf(p.writer, "Status:            %s\n", v.Status)
		fmt.Fprintf(p.writer, "Devices:           %d of %d\n", v.ActiveCount, v.MaxDevices)
		fmt.Fprintf(p.writer, "Can Auto-Register: %t\n", v.CanAutoRegister)
		return nil
	default:
		return p.unknownFormat()
	}
}

// PrintCredentials prints decrypted provider credentials
func (p *Printer) PrintCredentials(name string, creds *types.IPTVCredentials) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"name":     name,
			"server":   creds.Server,
			"username": creds.Username,
			"password": creds.Password,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Name:     %s\n", name)
		fmt.Fprintf(p.writer, "Server:   %s\n", creds.Server)
		fmt.Fprintf(p.writer, "Username: %s\n", creds.Username)
		fmt.Fprintf(p.writer, "Password: %s\n", creds.Password)
		return nil
	default:
		return p.unknownFormat()
	}
}

// PrintCredentialNames prints the names of an account's credential blobs
func (p *Printer) PrintCredentialNames(names []string) error {
	switch p.format {
	case OutputFormatJSON:
		if names == nil {
			names = []string{}
		}
		return p.printJSON(map[string]interface{}{
			"credentials": names,
		})
	case OutputFormatText:
		if len(names) == 0 {
			fmt.Fprintln(p.writer, "No credentials found")
			return nil
		}
		fmt.Fprintln(p.writer, "Credentials:")
		for _, name := range names {
			fmt.Fprintf(p.writer, "  - %s\n", name)
		}
		return nil
	default:
		return p.unknownFormat()
	}
}

// PrintMigrationPlan prints what a migration would change
func (p *Printer) PrintMigrationPlan(plan *migration.Plan) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"account_id": plan.AccountID,
			"version":    plan.Version.String(),
			"key_epoch":  plan.KeyEpoch,
			"blobs":      plan.Blobs,
			"devices":    plan.Devices,
			"warnings":   plan.Warnings,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Migration Plan for %s\n", plan.AccountID)
		fmt.Fprintf(p.writer, "  Scheme:    %s -> %s\n", plan.Version, types.SchemeV2)
		fmt.Fprintf(p.writer, "  Key Epoch: %d -> %d\n", plan.KeyEpoch, plan.KeyEpoch+1)
		fmt.Fprintf(p.writer, "  Blobs:     %d\n", len(plan.Blobs))
		for _, name := range plan.Blobs {
			fmt.Fprintf(p.writer, "    - %s\n", name)
		}
		fmt.Fprintf(p.writer, "  Devices:   %d\n", plan.Devices)
		if len(plan.Warnings) > 0 {
			fmt.Fprintln(p.writer, "  Warnings:")
			for _, w := range plan.Warnings {
				fmt.Fprintf(p.writer, "    ! %s\n", w)
			}
		}
		return nil
	default:
		return p.unknownFormat()
	}
}

// PrintMigrationResult prints the outcome of a migration
func (p *Printer) PrintMigrationResult(result *migration.Result) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"account_id":        result.AccountID,
			"from_epoch":        result.FromEpoch,
			"to_epoch":          result.ToEpoch,
			"blobs_reencrypted": result.BlobsReencrypted,
			"blobs_repaired":    result.BlobsRepaired,
			"duration":          result.Duration.String(),
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Migrated %s to %s\n", result.AccountID, types.SchemeV2)
		fmt.Fprintf(p.writer, "  Key Epoch:         %d -> %d\n", result.FromEpoch, result.ToEpoch)
		fmt.Fprintf(p.writer, "  Blobs Re-encrypted: %d\n", result.BlobsReencrypted)
		if result.BlobsRepaired > 0 {
			fmt.Fprintf(p.writer, "  Blobs Repaired:    %d\n", result.BlobsRepaired)
		}
		fmt.Fprintf(p.writer, "  Duration:          %s\n", result.Duration.Round(time.Millisecond))
		return nil
	default:
		return p.unknownFormat()
	}
}

// PrintAuditEntries prints audit entries
func (p *Printer) PrintAuditEntries(entries []*audit.AuditEntry) error {
	switch p.format {
	case OutputFormatJSON:
		if entries == nil {
			entries = []*audit.AuditEntry{}
		}
		return p.printJSON(map[string]interface{}{
			"entries": entries,
		})
	case OutputFormatText:
		if len(entries) == 0 {
			fmt.Fprintln(p.writer, "No audit entries found")
			return nil
		}
		for _, e := range entries {
			outcome := "ok"
			if !e.Success {
				outcome = "FAILED " + e.Error
			}
			fmt.Fprintf(p.writer, "%s  %-10s %-10s %-20s %s\n",
				e.Timestamp.Format(time.RFC3339), e.Operation, e.ResourceType, e.ResourceID, outcome)
		}
		return nil
	default:
		return p.unknownFormat()
	}
}

func (p *Printer) printJSON(v interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (p *Printer) unknownFormat() error {
	return fmt.Errorf("unknown output format: %s", p.format)
}

func deviceJSON(dev *types.DeviceKeyRecord) map[string]interface{} {
	info := map[string]interface{}{
		"device_id":      dev.DeviceID,
		"class":          profileOf(dev),
		"active":         dev.IsActive,
		"kdf_iterations": dev.KDFIterations,
		"key_epoch":      dev.KeyEpoch,
		"last_used_at":   dev.LastUsedAt,
		"created_at":     dev.CreatedAt,
	}
	if dev.DeactivatedAt != nil {
		info["deactivated_at"] = dev.DeactivatedAt
	}
	return info
}

func profileOf(dev *types.DeviceKeyRecord) string {
	return types.DeviceProfile{Class: dev.DeviceClass, Platform: dev.Platform}.String()
}

func formatKDF(params types.KDFParams) string {
	if params.Iterations > 0 {
		return fmt.Sprintf("%s (%d iterations)", params.Algorithm, params.Iterations)
	}
	return fmt.Sprintf("%s (t=%d, m=%d KiB, p=%d)", params.Algorithm, params.Time, params.Memory, params.Threads)
}
