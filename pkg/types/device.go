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

package types

import (
	"fmt"
	"strings"
)

// DeviceClass is a coarse compute bucket used to select KDF cost
type DeviceClass string

const (
	DeviceClassTV     DeviceClass = "tv"
	DeviceClassMobile DeviceClass = "mobile"
	DeviceClassWeb    DeviceClass = "web"
)

// String returns the string representation of the device class
func (c DeviceClass) String() string {
	return string(c)
}

// IsValid reports whether c is a known device class
func (c DeviceClass) IsValid() bool {
	switch c {
	case DeviceClassTV, DeviceClassMobile, DeviceClassWeb:
		return true
	}
	return false
}

// Platform refines the mobile device class
type Platform string

const (
	PlatformNone    Platform = ""
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// DeviceProfile is a device class plus optional platform
type DeviceProfile struct {
	Class    DeviceClass
	Platform Platform
}

// String returns "class" or "class/platform"
func (p DeviceProfile) String() string {
	if p.Platform == PlatformNone {
		return string(p.Class)
	}
	return string(p.Class) + "/" + string(p.Platform)
}

// ParseDeviceProfile accepts "tv", "web", "android", "ios", "mobile",
// "mobile/android" and "mobile/ios" (case-insensitive).
func ParseDeviceProfile(s string) (DeviceProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tv":
		return DeviceProfile{Class: DeviceClassTV}, nil
	case "web":
		return DeviceProfile{Class: DeviceClassWeb}, nil
	case "android", "mobile/android":
		return DeviceProfile{Class: DeviceClassMobile, Platform: PlatformAndroid}, nil
	case "ios", "mobile/ios":
		return DeviceProfile{Class: DeviceClassMobile, Platform: PlatformIOS}, nil
	case "mobile":
		return DeviceProfile{Class: DeviceClassMobile}, nil
	default:
		return DeviceProfile{}, fmt.Errorf("%w: %q", ErrInvalidDeviceClass, s)
	}
}

// Tier is a subscription tier governing the per-account device ceiling
type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// String returns the string representation of the tier
func (t Tier) String() string {
	return string(t)
}

// DefaultTierLimits is the device ceiling per tier
var DefaultTierLimits = map[Tier]int{
	TierBasic:    3,
	TierStandard: 5,
	TierPremium:  10,
}

// DeviceStatus is the outcome of validating a device on an incoming request
type DeviceStatus string

const (
	// DeviceStatusActive is a registered, active device on the current key epoch.
	DeviceStatusActive DeviceStatus = "active"

	// DeviceStatusStale is active but was issued under an older key epoch.
	DeviceStatusStale DeviceStatus = "stale"

	// DeviceStatusInactive is a soft-deleted device.
	DeviceStatusInactive DeviceStatus = "inactive"

	// DeviceStatusMissing has never been registered.
	DeviceStatusMissing DeviceStatus = "missing"
)
