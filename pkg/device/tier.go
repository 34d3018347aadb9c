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

package device

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// DefaultClassIterations is the PBKDF2 cost per device profile. Classes with
// weaker or browser-constrained crypto get a lower floor rather than a
// multi-second unlock. A mobile device of unknown platform gets the Android
// cost.
var DefaultClassIterations = map[types.DeviceProfile]int{
	{Class: types.DeviceClassTV}:                                      100000,
	{Class: types.DeviceClassMobile}:                                  300000,
	{Class: types.DeviceClassMobile, Platform: types.PlatformAndroid}: 300000,
	{Class: types.DeviceClassMobile, Platform: types.PlatformIOS}:     500000,
	{Class: types.DeviceClassWeb}:                                     500000,
}

// TierResolver maps an account onto its subscription tier
type TierResolver interface {
	Tier(ctx context.Context, accountID string) (types.Tier, error)
}

// StaticTiers resolves tiers from a fixed map with a default
type StaticTiers struct {
	Accounts map[string]types.Tier
	Default  types.Tier
}

// Tier returns the account's tier, or Default (types.TierBasic if unset)
func (s *StaticTiers) Tier(_ context.Context, accountID string) (types.Tier, error) {
	if t, ok := s.Accounts[accountID]; ok {
		return t, nil
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return types.TierBasic, nil
}

// Limits maps each tier onto its device ceiling
type Limits map[types.Tier]int

// MaxDevices returns the ceiling for tier
func (l Limits) MaxDevices(tier types.Tier) (int, error) {
	n, ok := l[tier]
	if !ok {
		return 0, fmt.Errorf("device: unknown tier %q", tier)
	}
	return n, nil
}

// CostTable selects the KDF cost for a device profile
type CostTable struct {
	// Iterations overrides DefaultClassIterations per profile
	Iterations map[types.DeviceProfile]int

	// Override, when set, is used for every profile instead of PBKDF2
	Override *types.KDFParams
}

// CostFor returns the KDF cost for profile
func (c *CostTable) CostFor(profile types.DeviceProfile) (types.KDFParams, error) {
	if !profile.Class.IsValid() {
		return types.KDFParams{}, fmt.Errorf("%w: %q", types.ErrInvalidDeviceClass, profile.Class)
	}
	if c != nil && c.Override != nil {
		return *c.Override, nil
	}
	if c != nil {
		if n, ok := c.Iterations[profile]; ok {
			return kdf.PBKDF2Cost(n), nil
		}
	}
	n, ok := DefaultClassIterations[profile]
	if !ok {
		return types.KDFParams{}, fmt.Errorf("%w: %s", types.ErrInvalidDeviceClass, profile)
	}
	return kdf.PBKDF2Cost(n), nil
}
